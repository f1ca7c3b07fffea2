package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"text/template"
	"time"

	sprig "github.com/Masterminds/sprig/v3"

	"github.com/binderd/pricewatch/internal/pricing"
)

// CustomConfig describes a config-driven REST provider: the URL and headers
// are text templates rendered against the request spec, and the response is
// mapped onto the canonical record through dotted JSON field paths. Simple
// single-price sources can be added from configuration alone.
type CustomConfig struct {
	Name        string
	Category    pricing.Category
	URLTemplate string
	Headers     map[string]string
	TierLabel   string
	Currency    string
	// Dotted paths into the response document, e.g. "data.prices.low".
	LowPath    string
	MarketPath string
	MidPath    string
	HighPath   string
}

// Custom executes one CustomConfig. Templates see {{ .ItemIdentity }},
// {{ .Category }} and {{ .Params.<name> }} plus the sprig function set, minus
// sprig's environment and filesystem helpers so configuration files cannot
// read the host.
type Custom struct {
	cfg     CustomConfig
	client  httpDoer
	urlTmpl *template.Template
	headers map[string]*template.Template
}

type customTemplateData struct {
	ItemIdentity string
	Category     pricing.Category
	Params       map[string]string
}

func customFuncs() template.FuncMap {
	funcs := sprig.TxtFuncMap()
	for _, name := range []string{"env", "expandenv", "readDir", "mustReadDir", "readFile", "mustReadFile", "glob"} {
		delete(funcs, name)
	}
	return funcs
}

// NewCustom compiles the configured templates up front so malformed
// configuration fails at startup, not per request.
func NewCustom(cfg CustomConfig, client httpDoer) (*Custom, error) {
	if cfg.Name == "" {
		return nil, errors.New("provider: custom adapter requires a name")
	}
	if strings.TrimSpace(cfg.URLTemplate) == "" {
		return nil, fmt.Errorf("provider: custom adapter %s requires a url template", cfg.Name)
	}
	if cfg.MarketPath == "" {
		return nil, fmt.Errorf("provider: custom adapter %s requires a market price path", cfg.Name)
	}
	if !cfg.Category.Valid() {
		return nil, fmt.Errorf("provider: custom adapter %s has unknown category %q", cfg.Name, cfg.Category)
	}
	if client == nil {
		client = &http.Client{}
	}

	funcs := customFuncs()
	urlTmpl, err := template.New(cfg.Name + ".url").Funcs(funcs).Option("missingkey=zero").Parse(cfg.URLTemplate)
	if err != nil {
		return nil, fmt.Errorf("provider: custom adapter %s url template: %w", cfg.Name, err)
	}
	headers := make(map[string]*template.Template, len(cfg.Headers))
	for name, source := range cfg.Headers {
		tmpl, err := template.New(cfg.Name + ".header." + name).Funcs(funcs).Option("missingkey=zero").Parse(source)
		if err != nil {
			return nil, fmt.Errorf("provider: custom adapter %s header %s: %w", cfg.Name, name, err)
		}
		headers[name] = tmpl
	}
	return &Custom{cfg: cfg, client: client, urlTmpl: urlTmpl, headers: headers}, nil
}

func (c *Custom) Name() string { return c.cfg.Name }

func (c *Custom) Fetch(ctx context.Context, spec pricing.RequestSpec) (Result, error) {
	if spec.Category != c.cfg.Category {
		return Result{}, &Error{Provider: c.Name(), Kind: KindNotFound, Message: fmt.Sprintf("category %s not served", spec.Category)}
	}

	data := customTemplateData{
		ItemIdentity: spec.ItemIdentity,
		Category:     spec.Category,
		Params:       spec.QueryParams,
	}
	target, err := render(c.urlTmpl, data)
	if err != nil {
		return Result{}, &Error{Provider: c.Name(), Kind: KindMalformed, Message: "url template", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Result{}, networkError(c.Name(), err)
	}
	req.Header.Set("Accept", "application/json")
	for name, tmpl := range c.headers {
		value, err := render(tmpl, data)
		if err != nil {
			return Result{}, &Error{Provider: c.Name(), Kind: KindMalformed, Message: "header template " + name, Err: err}
		}
		req.Header.Set(name, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, networkError(c.Name(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	remaining := remainingFromHeader(resp.Header)
	if resp.StatusCode != http.StatusOK {
		return Result{}, statusError(c.Name(), resp.StatusCode, remaining)
	}
	body, err := readBody(resp)
	if err != nil {
		return Result{}, malformedError(c.Name(), err, remaining)
	}

	var document any
	if err := json.Unmarshal(body, &document); err != nil {
		return Result{}, malformedError(c.Name(), err, remaining)
	}

	market, err := lookupNumber(document, c.cfg.MarketPath)
	if err != nil {
		return Result{}, malformedError(c.Name(), err, remaining)
	}
	tier := pricing.PriceTier{
		TierLabel: c.cfg.TierLabel,
		Market:    market,
		Currency:  c.cfg.Currency,
		AsOf:      time.Now().UTC(),
	}
	if tier.TierLabel == "" {
		tier.TierLabel = "raw/NM"
	}
	if tier.Currency == "" {
		tier.Currency = "USD"
	}
	if c.cfg.LowPath != "" {
		if low, err := lookupNumber(document, c.cfg.LowPath); err == nil {
			tier.Low = low
		}
	}
	if c.cfg.MidPath != "" {
		if mid, err := lookupNumber(document, c.cfg.MidPath); err == nil {
			tier.Mid = &mid
		}
	}
	if c.cfg.HighPath != "" {
		if high, err := lookupNumber(document, c.cfg.HighPath); err == nil {
			tier.High = &high
		}
	}

	record := pricing.PriceRecord{ItemIdentity: spec.ItemIdentity, Tiers: []pricing.PriceTier{tier}}
	return Result{Record: record, RemainingQuota: remaining}, nil
}

func render(tmpl *template.Template, data customTemplateData) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// lookupNumber walks a dotted path through decoded JSON, accepting numeric
// leaves and numeric strings.
func lookupNumber(document any, path string) (float64, error) {
	current := document
	for _, segment := range strings.Split(path, ".") {
		object, ok := current.(map[string]any)
		if !ok {
			return 0, fmt.Errorf("path %q: %q is not an object", path, segment)
		}
		current, ok = object[segment]
		if !ok {
			return 0, fmt.Errorf("path %q: missing field %q", path, segment)
		}
	}
	switch v := current.(type) {
	case float64:
		return v, nil
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("path %q: %q is not numeric", path, v)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("path %q: unsupported value type %T", path, current)
	}
}

package steps

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/wehubfusion/preproc/pkg/value"
)

// PromFilter selects samples of a Prometheus text exposition:
// name{label="v",other=~"re"} == 1
type PromFilter struct {
	Name     string
	Matchers []LabelMatcher
	HasValue bool
	Value    float64
}

// LabelMatcher is one label condition of a PromFilter.
type LabelMatcher struct {
	Label string
	Op    string
	Value string
	re    *regexp.Regexp
}

func (m LabelMatcher) matches(v string) bool {
	switch m.Op {
	case "=":
		return v == m.Value
	case "!=":
		return v != m.Value
	case "=~":
		return m.re.MatchString(v)
	case "!~":
		return !m.re.MatchString(v)
	}
	return false
}

// ParsePromFilter parses a filter expression. An empty expression matches
// every sample.
func ParsePromFilter(s string) (PromFilter, error) {
	var f PromFilter
	p := &promLexer{s: strings.TrimSpace(s)}

	f.Name = p.ident()
	p.space()
	if p.peek() == '{' {
		p.pos++
		for {
			p.space()
			if p.peek() == '}' {
				p.pos++
				break
			}
			label := p.ident()
			if label == "" {
				return f, fmt.Errorf("pattern %q: label name expected at %d", s, p.pos)
			}
			p.space()
			op := p.op()
			if op == "" {
				return f, fmt.Errorf("pattern %q: label operator expected at %d", s, p.pos)
			}
			p.space()
			val, err := p.quoted()
			if err != nil {
				return f, fmt.Errorf("pattern %q: %v", s, err)
			}
			m := LabelMatcher{Label: label, Op: op, Value: val}
			if op == "=~" || op == "!~" {
				re, err := regexp.Compile("^(?:" + val + ")$")
				if err != nil {
					return f, fmt.Errorf("pattern %q: invalid regular expression: %v", s, err)
				}
				m.re = re
			}
			if label == "__name__" && op == "=" && f.Name == "" {
				f.Name = val
			} else {
				f.Matchers = append(f.Matchers, m)
			}
			p.space()
			switch p.peek() {
			case ',':
				p.pos++
			case '}':
			default:
				return f, fmt.Errorf("pattern %q: ',' or '}' expected at %d", s, p.pos)
			}
		}
	}
	p.space()
	if strings.HasPrefix(p.s[p.pos:], "==") {
		p.pos += 2
		p.space()
		raw := strings.TrimSpace(p.s[p.pos:])
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return f, fmt.Errorf("pattern %q: invalid sample value %q", s, raw)
		}
		f.HasValue, f.Value = true, v
		p.pos = len(p.s)
	}
	if p.pos != len(p.s) {
		return f, fmt.Errorf("pattern %q: unexpected input at %d", s, p.pos)
	}
	return f, nil
}

type promLexer struct {
	s   string
	pos int
}

func (p *promLexer) peek() byte {
	if p.pos < len(p.s) {
		return p.s[p.pos]
	}
	return 0
}

func (p *promLexer) space() {
	for p.pos < len(p.s) && (p.s[p.pos] == ' ' || p.s[p.pos] == '\t') {
		p.pos++
	}
}

func (p *promLexer) ident() string {
	start := p.pos
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		if c == '_' || c == ':' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || p.pos > start && c >= '0' && c <= '9' {
			p.pos++
			continue
		}
		break
	}
	return p.s[start:p.pos]
}

func (p *promLexer) op() string {
	for _, op := range []string{"=~", "!~", "!=", "="} {
		if strings.HasPrefix(p.s[p.pos:], op) {
			p.pos += len(op)
			return op
		}
	}
	return ""
}

func (p *promLexer) quoted() (string, error) {
	if p.peek() != '"' {
		return "", fmt.Errorf("quoted label value expected at %d", p.pos)
	}
	p.pos++
	var b strings.Builder
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		p.pos++
		switch c {
		case '"':
			return b.String(), nil
		case '\\':
			if p.pos < len(p.s) {
				esc := p.s[p.pos]
				p.pos++
				if esc == 'n' {
					b.WriteByte('\n')
				} else {
					b.WriteByte(esc)
				}
			}
		default:
			b.WriteByte(c)
		}
	}
	return "", fmt.Errorf("unterminated label value")
}

func parsePrometheusPattern(params []string) (PrometheusPattern, error) {
	if len(params) == 0 || strings.TrimSpace(params[0]) == "" {
		return PrometheusPattern{}, fmt.Errorf("pattern is empty")
	}
	filter, err := ParsePromFilter(params[0])
	if err != nil {
		return PrometheusPattern{}, err
	}
	p := PrometheusPattern{Filter: filter, Mode: "value"}
	if len(params) > 1 && params[1] != "" {
		p.Mode = params[1]
	}
	if len(params) > 2 {
		p.Output = strings.TrimSpace(params[2])
	}
	switch p.Mode {
	case "value":
	case "label":
		if p.Output == "" {
			return PrometheusPattern{}, fmt.Errorf("label name is empty")
		}
	case "function":
		switch p.Output {
		case "sum", "min", "max", "avg", "count":
		default:
			return PrometheusPattern{}, fmt.Errorf("unknown aggregation function %q", p.Output)
		}
	default:
		return PrometheusPattern{}, fmt.Errorf("unknown output mode %q", p.Mode)
	}
	return p, nil
}

type promSample struct {
	Name   string            `json:"name"`
	Value  string            `json:"value"`
	Line   string            `json:"line"`
	Labels map[string]string `json:"labels,omitempty"`
	Type   string            `json:"type"`
	Help   string            `json:"help,omitempty"`
	value  float64
}

func parseExposition(text string) ([]promSample, error) {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("cannot parse Prometheus data: %v", err)
	}

	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []promSample
	for _, name := range names {
		mf := families[name]
		typ := strings.ToLower(mf.GetType().String())
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			add := func(sampleName string, extra map[string]string, v float64) {
				l := labels
				if len(extra) > 0 {
					l = make(map[string]string, len(labels)+len(extra))
					for k, val := range labels {
						l[k] = val
					}
					for k, val := range extra {
						l[k] = val
					}
				}
				out = append(out, newSample(sampleName, l, v, typ, mf.GetHelp()))
			}
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				add(name, nil, m.GetCounter().GetValue())
			case dto.MetricType_GAUGE:
				add(name, nil, m.GetGauge().GetValue())
			case dto.MetricType_SUMMARY:
				s := m.GetSummary()
				for _, q := range s.GetQuantile() {
					add(name, map[string]string{"quantile": formatPromValue(q.GetQuantile())}, q.GetValue())
				}
				add(name+"_sum", nil, s.GetSampleSum())
				add(name+"_count", nil, float64(s.GetSampleCount()))
			case dto.MetricType_HISTOGRAM:
				h := m.GetHistogram()
				for _, b := range h.GetBucket() {
					add(name+"_bucket", map[string]string{"le": formatPromValue(b.GetUpperBound())}, float64(b.GetCumulativeCount()))
				}
				add(name+"_sum", nil, h.GetSampleSum())
				add(name+"_count", nil, float64(h.GetSampleCount()))
			default:
				add(name, nil, m.GetUntyped().GetValue())
			}
		}
	}
	return out, nil
}

func newSample(name string, labels map[string]string, v float64, typ, help string) promSample {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var line strings.Builder
	line.WriteString(name)
	if len(keys) > 0 {
		line.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				line.WriteByte(',')
			}
			line.WriteString(k)
			line.WriteString("=")
			line.WriteString(strconv.Quote(labels[k]))
		}
		line.WriteByte('}')
	}
	line.WriteByte(' ')
	line.WriteString(formatPromValue(v))

	return promSample{
		Name:   name,
		Value:  formatPromValue(v),
		Line:   line.String(),
		Labels: labels,
		Type:   typ,
		Help:   help,
		value:  v,
	}
}

func formatPromValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (f PromFilter) matches(s promSample) bool {
	if f.Name != "" && f.Name != s.Name {
		return false
	}
	for _, m := range f.Matchers {
		if !m.matches(s.Labels[m.Label]) {
			return false
		}
	}
	if f.HasValue {
		if math.IsNaN(f.Value) {
			return math.IsNaN(s.value)
		}
		return s.value == f.Value
	}
	return true
}

func (f PromFilter) selectSamples(text string) ([]promSample, error) {
	samples, err := parseExposition(text)
	if err != nil {
		return nil, err
	}
	var matched []promSample
	for _, s := range samples {
		if f.matches(s) {
			matched = append(matched, s)
		}
	}
	return matched, nil
}

func runPrometheusPattern(op PrometheusPattern, in value.Value) Outcome {
	matched, err := op.Filter.selectSamples(in.Text())
	if err != nil {
		return failed("cannot apply Prometheus pattern: %v", err)
	}

	if op.Mode == "function" {
		if op.Output == "count" {
			return emit(value.Uint64(uint64(len(matched))))
		}
		if len(matched) == 0 {
			return failed("cannot apply Prometheus pattern: no matching metrics found")
		}
		acc := matched[0].value
		for _, s := range matched[1:] {
			switch op.Output {
			case "sum", "avg":
				acc += s.value
			case "min":
				acc = math.Min(acc, s.value)
			case "max":
				acc = math.Max(acc, s.value)
			}
		}
		if op.Output == "avg" {
			acc /= float64(len(matched))
		}
		return emit(value.String(formatPromValue(acc)))
	}

	switch len(matched) {
	case 0:
		return failed("cannot apply Prometheus pattern: no matching metrics found")
	case 1:
	default:
		lines := make([]string, len(matched))
		for i, s := range matched {
			lines[i] = s.Line
		}
		return failed("cannot apply Prometheus pattern: multiple matching metrics found:\n\n%s", strings.Join(lines, "\n"))
	}

	if op.Mode == "label" {
		v, found := matched[0].Labels[op.Output]
		if !found {
			return failed("cannot apply Prometheus pattern: no label %q found", op.Output)
		}
		return emit(value.String(v))
	}
	return emit(value.String(matched[0].Value))
}

func runPrometheusToJSON(op PrometheusToJSON, in value.Value) Outcome {
	matched, err := op.Filter.selectSamples(in.Text())
	if err != nil {
		return failed("cannot convert Prometheus data to JSON: %v", err)
	}
	if matched == nil {
		matched = []promSample{}
	}
	data, err := json.Marshal(matched)
	if err != nil {
		return failed("cannot convert Prometheus data to JSON: %v", err)
	}
	return emit(value.String(string(data)))
}

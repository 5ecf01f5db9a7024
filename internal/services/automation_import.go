package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"
)

// RuleBundle is a YAML document of templates and the rules that use them.
type RuleBundle struct {
	Templates []TemplateRequest `yaml:"templates"`
	Rules     []RuleImport      `yaml:"rules"`
}

// RuleImport 规则定义；Template 按名称引用模板，优先于 template_id
type RuleImport struct {
	AutomationRuleRequest `yaml:",inline"`
	Template              string `yaml:"template"`
}

// ImportReport 导入结果
type ImportReport struct {
	TemplatesCreated []uint   `json:"templates_created"`
	RulesCreated     []uint   `json:"rules_created"`
	Failed           []string `json:"failed,omitempty"`
}

// ParseRuleBundle decodes a bundle. Nested maps in condition values are
// converted to string keys so they survive the JSON column.
func ParseRuleBundle(data []byte) (*RuleBundle, error) {
	var b RuleBundle
	if err := yaml.UnmarshalStrict(data, &b); err != nil {
		return nil, fmt.Errorf("parse rule bundle: %w", err)
	}
	if len(b.Rules) == 0 {
		return nil, errors.New("parse rule bundle: no rules")
	}
	for i := range b.Rules {
		c := &b.Rules[i].Conditions
		c.Root.Value = normalizeYAML(c.Root.Value)
		for j := range c.Additional {
			c.Additional[j].Value = normalizeYAML(c.Additional[j].Value)
		}
	}
	return &b, nil
}

func normalizeYAML(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []interface{}:
		for i := range t {
			t[i] = normalizeYAML(t[i])
		}
		return t
	default:
		return v
	}
}

// ImportRules creates missing templates by name, then every rule. A bad rule
// is reported and skipped; the others are still created.
func (s *AutomationService) ImportRules(ctx context.Context, templates *TemplateService, b *RuleBundle) (*ImportReport, error) {
	report := &ImportReport{}
	var errs error

	for i := range b.Templates {
		req := b.Templates[i]
		if _, err := templates.FindTemplateByName(ctx, req.Name); err == nil {
			continue
		} else if !errors.Is(err, ErrTemplateNotFound) {
			return report, err
		}
		tpl, err := templates.CreateTemplate(ctx, &req)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("template %q: %w", req.Name, err))
			report.Failed = append(report.Failed, "template "+req.Name)
			continue
		}
		report.TemplatesCreated = append(report.TemplatesCreated, tpl.ID)
	}

	for i := range b.Rules {
		item := b.Rules[i]
		req := item.AutomationRuleRequest
		if item.Template != "" {
			tpl, err := templates.FindTemplateByName(ctx, item.Template)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("rule %q: %w", req.Name, err))
				report.Failed = append(report.Failed, req.Name)
				continue
			}
			req.TemplateID = tpl.ID
		}
		rule, err := s.CreateRule(ctx, &req)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("rule %q: %w", req.Name, err))
			report.Failed = append(report.Failed, req.Name)
			continue
		}
		report.RulesCreated = append(report.RulesCreated, rule.ID)
	}
	return report, errs
}

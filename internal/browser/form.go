package browser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
)

// formSelectors are tried in order before falling back to the largest form.
var formSelectors = []string{
	"form#application_form",
	"form#application-form",
	"form[data-qa='application-form']",
	"form[action*='apply']",
	"form[action*='application']",
}

var (
	whitespace = regexp.MustCompile(`\s+`)
	cssIdent   = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)
)

// ExtractForm derives the application form schema from rendered HTML.
// Pages without a form element are scanned from the body.
func ExtractForm(html string) (apply.FormSchema, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return apply.FormSchema{}, apply.WithKind(apply.KindFormSchemaMismatch, fmt.Errorf("parse html: %w", err))
	}
	root := pickForm(doc)
	schema := apply.FormSchema{}
	if action, ok := root.Attr("action"); ok {
		schema.Action = action
	}

	groups := map[string]int{}
	root.Find("input, select, textarea").Each(func(_ int, el *goquery.Selection) {
		field, ok := describe(doc, el)
		if !ok {
			return
		}
		if field.Type == apply.FieldRadio || field.Type == apply.FieldCheckbox {
			if idx, seen := groups[field.Name]; seen {
				merged := &schema.Fields[idx]
				merged.Options = append(merged.Options, field.Options...)
				merged.Required = merged.Required || field.Required
				if merged.Type == apply.FieldCheckbox {
					merged.Selector = fmt.Sprintf(`input[name="%s"]`, cssEscape(field.Name))
				}
				return
			}
			groups[field.Name] = len(schema.Fields)
		}
		schema.Fields = append(schema.Fields, field)
	})

	// A lone checkbox is a boolean toggle, not a choice.
	for i := range schema.Fields {
		f := &schema.Fields[i]
		if f.Type == apply.FieldCheckbox && len(f.Options) == 1 {
			f.Label = firstNonEmpty(f.Label, f.Options[0].Label)
			f.Options = nil
		}
		if f.Type == apply.FieldRadio {
			f.Label = firstNonEmpty(groupLabel(doc, f.Name), f.Label)
		}
	}
	if len(schema.Fields) == 0 {
		return schema, apply.Errorf(apply.KindFormSchemaMismatch, "no form fields found")
	}
	return schema, nil
}

func pickForm(doc *goquery.Document) *goquery.Selection {
	for _, sel := range formSelectors {
		if found := doc.Find(sel).First(); found.Length() > 0 {
			return found
		}
	}
	var best *goquery.Selection
	bestCount := 0
	doc.Find("form").Each(func(_ int, form *goquery.Selection) {
		if n := form.Find("input, select, textarea").Length(); n > bestCount {
			best, bestCount = form, n
		}
	})
	if best != nil {
		return best
	}
	return doc.Find("body")
}

func describe(doc *goquery.Document, el *goquery.Selection) (apply.Field, bool) {
	tag := goquery.NodeName(el)
	name := attr(el, "name")
	id := attr(el, "id")
	if name == "" {
		name = id
	}
	if name == "" {
		return apply.Field{}, false
	}
	if _, disabled := el.Attr("disabled"); disabled {
		return apply.Field{}, false
	}

	typ := fieldType(tag, strings.ToLower(attr(el, "type")))
	if typ == "" {
		return apply.Field{}, false
	}
	label := labelFor(doc, el, id)
	field := apply.Field{
		Name:     name,
		Type:     typ,
		Label:    strings.TrimSpace(strings.TrimSuffix(label, "*")),
		Required: isRequired(el, label),
		Selector: selectorFor(tag, name, id),
	}
	if n, err := strconv.Atoi(attr(el, "maxlength")); err == nil && n > 0 {
		field.MaxLength = n
	}

	switch typ {
	case apply.FieldSelect:
		el.Find("option").Each(func(_ int, opt *goquery.Selection) {
			value, ok := opt.Attr("value")
			text := clean(opt.Text())
			if !ok {
				value = text
			}
			if strings.TrimSpace(value) == "" {
				return
			}
			field.Options = append(field.Options, apply.Option{Value: value, Label: text})
		})
	case apply.FieldRadio, apply.FieldCheckbox:
		value := attr(el, "value")
		if value == "" {
			value = "on"
		}
		field.Options = []apply.Option{{Value: value, Label: label}}
		field.Selector = fmt.Sprintf(`input[name="%s"][value="%s"]`, cssEscape(name), cssEscape(value))
	}
	return field, true
}

func fieldType(tag, inputType string) apply.FieldType {
	switch tag {
	case "textarea":
		return apply.FieldTextarea
	case "select":
		return apply.FieldSelect
	}
	switch inputType {
	case "", "text", "search":
		return apply.FieldText
	case "email":
		return apply.FieldEmail
	case "url":
		return apply.FieldURL
	case "tel":
		return apply.FieldTel
	case "number":
		return apply.FieldNumber
	case "date":
		return apply.FieldDate
	case "file":
		return apply.FieldFile
	case "radio":
		return apply.FieldRadio
	case "checkbox":
		return apply.FieldCheckbox
	case "hidden", "submit", "button", "reset", "image":
		return ""
	default:
		return apply.FieldUnknown
	}
}

func labelFor(doc *goquery.Document, el *goquery.Selection, id string) string {
	if id != "" {
		if l := doc.Find(fmt.Sprintf(`label[for="%s"]`, cssEscape(id))).First(); l.Length() > 0 {
			if text := clean(l.Text()); text != "" {
				return text
			}
		}
	}
	if l := el.Closest("label"); l.Length() > 0 {
		if text := clean(l.Text()); text != "" {
			return text
		}
	}
	for _, key := range []string{"aria-label", "placeholder", "title"} {
		if v := clean(attr(el, key)); v != "" {
			return v
		}
	}
	return ""
}

func groupLabel(doc *goquery.Document, name string) string {
	first := doc.Find(fmt.Sprintf(`input[name="%s"]`, cssEscape(name))).First()
	if legend := first.Closest("fieldset").Find("legend").First(); legend.Length() > 0 {
		return clean(legend.Text())
	}
	if group := first.Closest("[role='radiogroup']"); group.Length() > 0 {
		if v := clean(attr(group, "aria-label")); v != "" {
			return v
		}
	}
	return ""
}

func isRequired(el *goquery.Selection, label string) bool {
	if _, ok := el.Attr("required"); ok {
		return true
	}
	if strings.EqualFold(attr(el, "aria-required"), "true") {
		return true
	}
	return strings.HasSuffix(label, "*")
}

func selectorFor(tag, name, id string) string {
	if id != "" && cssIdent.MatchString(id) {
		return "#" + id
	}
	return fmt.Sprintf(`%s[name="%s"]`, tag, cssEscape(name))
}

func attr(el *goquery.Selection, key string) string {
	v, _ := el.Attr(key)
	return strings.TrimSpace(v)
}

func clean(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

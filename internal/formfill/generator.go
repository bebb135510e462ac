package formfill

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
)

// Prompt is the input to a free-text answer.
type Prompt struct {
	Field apply.Field
	Facts []string
	// Feedback explains why a previous answer was rejected.
	Feedback string
}

// Generator writes a free-text answer grounded in the supplied facts.
type Generator interface {
	Generate(ctx context.Context, prompt Prompt) (string, error)
}

// LLMConfig controls model sampling.
type LLMConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// LLMGenerator answers questions through a langchaingo model.
type LLMGenerator struct {
	model llms.Model
	cfg   LLMConfig
}

// NewGoogleAI builds a Gemini-backed generator.
func NewGoogleAI(ctx context.Context, cfg LLMConfig) (*LLMGenerator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	model, err := googleai.New(ctx,
		googleai.WithAPIKey(cfg.APIKey),
		googleai.WithDefaultModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("create googleai client: %w", err)
	}
	return NewLLMGenerator(model, cfg), nil
}

// NewLLMGenerator wraps any langchaingo model.
func NewLLMGenerator(model llms.Model, cfg LLMConfig) *LLMGenerator {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.2
	}
	return &LLMGenerator{model: model, cfg: cfg}
}

const answerPrompt = `You are filling out a job application on behalf of the applicant.
Answer the application question below using ONLY the applicant facts provided.
Do not invent employers, dates, degrees, numbers, or skills that are not in the facts.
Tie the answer to what the question is asking. Write in the first person.
Return plain text only with no markdown, no preamble, and no quotes.%s

QUESTION:
%s

APPLICANT FACTS:
%s
`

// Generate asks the model for an answer.
func (g *LLMGenerator) Generate(ctx context.Context, p Prompt) (string, error) {
	var constraints strings.Builder
	if p.Field.MaxLength > 0 {
		constraints.WriteString("\nThe answer must be at most " + strconv.Itoa(p.Field.MaxLength) + " characters.")
	}
	if p.Feedback != "" {
		constraints.WriteString("\nA previous answer was rejected: " + p.Feedback)
	}
	prompt := fmt.Sprintf(answerPrompt, constraints.String(), questionText(p.Field), strings.Join(p.Facts, "\n"))
	resp, err := llms.GenerateFromSinglePrompt(ctx, g.model, prompt,
		llms.WithMaxTokens(g.cfg.MaxTokens),
		llms.WithTemperature(g.cfg.Temperature),
	)
	if err != nil {
		return "", fmt.Errorf("generate answer: %w", err)
	}
	return strings.Trim(strings.TrimSpace(resp), `"`), nil
}

// TemplateGenerator composes answers deterministically from profile facts.
type TemplateGenerator struct{}

// Generate stitches the most relevant facts into a short answer.
func (TemplateGenerator) Generate(_ context.Context, p Prompt) (string, error) {
	if len(p.Facts) == 0 {
		return "", errors.New("no facts to ground an answer")
	}
	question := normalize(questionText(p.Field))
	var picked []string
	for _, fact := range p.Facts {
		body := factBody(fact)
		if body == "" {
			continue
		}
		if relevant(question, fact) {
			picked = append(picked, body)
		}
	}
	if len(picked) == 0 {
		for _, fact := range p.Facts {
			if body := factBody(fact); body != "" {
				picked = append(picked, body)
			}
			if len(picked) == 2 {
				break
			}
		}
	}
	answer := strings.Join(sentences(picked), " ")
	return truncateWords(answer, p.Field.MaxLength), nil
}

func questionText(f apply.Field) string {
	if f.Label != "" {
		return f.Label
	}
	return f.Name
}

func factBody(fact string) string {
	if i := strings.Index(fact, ": "); i >= 0 {
		return strings.TrimSpace(fact[i+2:])
	}
	return strings.TrimSpace(fact)
}

func relevant(question, fact string) bool {
	nf := normalize(fact)
	for _, tok := range strings.Fields(question) {
		if len(tok) > 3 && strings.Contains(nf, tok) {
			return true
		}
	}
	return false
}

func sentences(parts []string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasSuffix(p, ".") {
			p += "."
		}
		out = append(out, p)
	}
	return out
}

func truncateWords(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := s[:limit]
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,;:")
}

// facts lists the verifiable profile statements an answer may draw on.
func facts(p apply.Profile) []string {
	var out []string
	add := func(label, v string) {
		if strings.TrimSpace(v) != "" {
			out = append(out, label+": "+v)
		}
	}
	add("Summary", p.Summary)
	if title, company := currentTitle(p), currentCompany(p); title != "" && company != "" {
		add("Current role", "I currently work as "+title+" at "+company)
	}
	if p.YearsExperience > 0 {
		add("Experience", "I have "+strconv.Itoa(p.YearsExperience)+" years of professional experience")
	}
	for _, e := range p.Experience {
		line := e.Title + " at " + e.Company
		if e.StartYear > 0 {
			end := "present"
			if e.EndYear > 0 {
				end = strconv.Itoa(e.EndYear)
			}
			line += fmt.Sprintf(" (%d-%s)", e.StartYear, end)
		}
		if e.Summary != "" {
			line += ", " + e.Summary
		}
		add("Role", line)
	}
	if len(p.Skills) > 0 {
		add("Skills", "My skills include "+strings.Join(p.Skills, ", "))
	}
	for _, ed := range p.Education {
		line := ed.School
		if ed.Degree != "" {
			line = ed.Degree + " from " + ed.School
			if ed.Field != "" {
				line = ed.Degree + " in " + ed.Field + " from " + ed.School
			}
		}
		add("Education", line)
	}
	return out
}

package model

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// HardConstraintWeight 权重等于该值的约束为硬约束
const HardConstraintWeight = 100

var (
	payloadValidate = validator.New()

	nonSlugRe    = regexp.MustCompile(`[^\p{L}\p{N}_]+`)
	underscoreRe = regexp.MustCompile(`_+`)
)

type Constraint struct {
	ID          string  `json:"id"`
	Name        string  `json:"name" validate:"required"`
	Description string  `json:"description,omitempty"`
	Weight      float64 `json:"weight" validate:"gte=0,lte=100"`
}

func (c Constraint) IsHard() bool {
	return c.Weight == HardConstraintWeight
}

type ProblemSpecPayload struct {
	Constraints []Constraint `json:"constraints" validate:"dive"`
	Goals       []string     `json:"goals"`
	Resolution  string       `json:"resolution"`
	RunMode     string       `json:"run_mode"`
	// v1 快照里的自由备注，升级时保留
	Notes string `json:"notes,omitempty"`
}

// Normalize 补全约束 ID（未给出时由名称归一化得到），并保证 ID 唯一
func (p *ProblemSpecPayload) Normalize() {
	seen := map[string]int{}
	for i := range p.Constraints {
		c := &p.Constraints[i]
		c.Name = strings.TrimSpace(c.Name)
		if strings.TrimSpace(c.ID) == "" {
			c.ID = ConstraintID(c.Name)
		}
		if n, ok := seen[c.ID]; ok {
			seen[c.ID] = n + 1
			c.ID = fmt.Sprintf("%s_%d", c.ID, n+1)
		} else {
			seen[c.ID] = 1
		}
	}
}

func (p ProblemSpecPayload) Validate() error {
	if err := payloadValidate.Struct(p); err != nil {
		return fmt.Errorf("问题描述校验失败: %w", err)
	}
	return nil
}

// ConstraintByID 约束 ID -> 约束
func (p ProblemSpecPayload) ConstraintByID() map[string]Constraint {
	out := make(map[string]Constraint, len(p.Constraints))
	for _, c := range p.Constraints {
		out[c.ID] = c
	}
	return out
}

type Entity struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description,omitempty"`
}

type WorldModelPayload struct {
	Actors          []Entity `json:"actors" validate:"dive"`
	Mechanisms      []Entity `json:"mechanisms" validate:"dive"`
	Resources       []Entity `json:"resources" validate:"dive"`
	Constraints     []Entity `json:"constraints" validate:"dive"`
	Assumptions     []Entity `json:"assumptions" validate:"dive"`
	Simplifications []Entity `json:"simplifications" validate:"dive"`
}

func (w WorldModelPayload) Validate() error {
	if err := payloadValidate.Struct(w); err != nil {
		return fmt.Errorf("世界模型校验失败: %w", err)
	}
	return nil
}

// ConstraintID 把约束名称归一化为稳定的 ID：小写、空白和符号折叠为下划线
func ConstraintID(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = nonSlugRe.ReplaceAllString(s, "_")
	s = underscoreRe.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if len([]rune(s)) > 64 {
		s = string([]rune(s)[:64])
	}
	if s == "" {
		return "constraint"
	}
	return s
}

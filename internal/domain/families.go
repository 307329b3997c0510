package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ProviderFamily is the configuration record one worker fleet runs under.
// Dispatcher, router and worker branch on this record; substring tests on
// model names happen only in ResolveFamily.
type ProviderFamily struct {
	ID              string
	StreamKey       string
	GroupName       string
	NodeTable       string
	RefusalKeywords []string
	RequestTimeout  time.Duration
	MaxConcurrency  int
}

// Family IDs
const (
	FamilyGemini   = "gemini"
	FamilyQwen     = "qwen"
	FamilyDeepSeek = "deepseek"
	FamilySD       = "sd"
)

// DeadLetterStream receives undecodable messages from every family.
const DeadLetterStream = "sys_dead_letters"

// DefaultModel is used when the submitted model selector normalizes to empty.
const DefaultModel = "gemini-2.5-flash"

// ImagePromptPreamble is prepended to the user prompt in image mode so text
// backends route the request to their image pipeline.
const ImagePromptPreamble = "请根据以下描述生成一张图片，直接返回图片，不要追问细节："

// GeminiRefusalKeywords are literal substrings whose presence in a 200
// response marks the task as failed.
var GeminiRefusalKeywords = []string{
	"您登录了吗",
	"无法为您创建任何图片",
	"地区尚未开通",
	"无法创建图片",
	"I cannot create images",
	"yet available to create images",
}

// DefaultFamilies returns the built-in provider registry. Entries may be
// overridden from a YAML file at startup.
func DefaultFamilies() []ProviderFamily {
	return []ProviderFamily{
		{
			ID:              FamilyGemini,
			StreamKey:       "gemini_stream",
			GroupName:       "gemini_workers_group",
			NodeTable:       "gemini_nodes",
			RefusalKeywords: GeminiRefusalKeywords,
			RequestTimeout:  120 * time.Second,
			MaxConcurrency:  2,
		},
		{
			ID:             FamilyQwen,
			StreamKey:      "qwen_stream",
			GroupName:      "qwen_workers_group",
			NodeTable:      "qwen_nodes",
			RequestTimeout: 120 * time.Second,
			MaxConcurrency: 1,
		},
		{
			ID:             FamilyDeepSeek,
			StreamKey:      "deepseek_stream",
			GroupName:      "deepseek_workers_group",
			NodeTable:      "deepseek_nodes",
			RequestTimeout: 300 * time.Second,
			MaxConcurrency: 1,
		},
		{
			ID:             FamilySD,
			StreamKey:      "sd_stream",
			GroupName:      "sd_workers_group",
			NodeTable:      "sd_nodes",
			RequestTimeout: 120 * time.Second,
			MaxConcurrency: 1,
		},
	}
}

// FamilyRegistry indexes provider families by ID.
type FamilyRegistry map[string]ProviderFamily

func NewFamilyRegistry(families []ProviderFamily) FamilyRegistry {
	reg := make(FamilyRegistry, len(families))
	for _, f := range families {
		reg[f.ID] = f
	}
	return reg
}

// Get returns the family for id. ok is false for unknown ids.
func (r FamilyRegistry) Get(id string) (ProviderFamily, bool) {
	f, ok := r[id]
	return f, ok
}

// ResolveFamily maps a model identifier to its provider family by substring
// match on the lower-cased name. Unmatched models fall back to Gemini.
func ResolveFamily(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "qwen") || strings.Contains(m, "千问"):
		return FamilyQwen
	case strings.Contains(m, "deepseek"):
		return FamilyDeepSeek
	case strings.Contains(m, "gemini"):
		return FamilyGemini
	case strings.Contains(m, "sd") || strings.Contains(m, "stable"):
		return FamilySD
	default:
		return FamilyGemini
	}
}

// NormalizeModels splits a comma-separated model selector, trimming
// whitespace and dropping empty tokens and the literal "on" artifact some
// form frontends submit. An empty result falls back to fallback.
func NormalizeModels(raw, fallback string) []string {
	var models []string
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" || tok == "on" {
			continue
		}
		models = append(models, tok)
	}
	if len(models) == 0 {
		models = []string{fallback}
	}
	return models
}

// ClampConcurrency bounds a requested fan-out width to [1, MaxConcurrency].
func (f ProviderFamily) ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > f.MaxConcurrency {
		return f.MaxConcurrency
	}
	return n
}

// DisplayModelName renders the stored model name for slot i of a fan-out of
// width concurrency: "gemini (#2)" for replicas, the bare name otherwise.
func DisplayModelName(model string, slot, concurrency int) string {
	if concurrency <= 1 {
		return model
	}
	return fmt.Sprintf("%s (#%d)", model, slot+1)
}

// SlotFromModel recovers the 0-based slot index from a display model name.
// Names without a "(#k)" suffix are slot 0.
func SlotFromModel(display string) int {
	open := strings.LastIndex(display, " (#")
	if open < 0 || !strings.HasSuffix(display, ")") {
		return 0
	}
	k, err := strconv.Atoi(display[open+3 : len(display)-1])
	if err != nil || k < 1 {
		return 0
	}
	return k - 1
}

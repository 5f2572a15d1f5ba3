// Package partition groups checklist items into named categories small
// enough to grade in one model call.
package partition

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	"github.com/joescharf/docreview/internal/llm"
	"github.com/joescharf/docreview/internal/metrics"
	"github.com/joescharf/docreview/internal/models"
)

// OtherCategory collects items the model did not assign anywhere.
const OtherCategory = "Other"

// Limits bounds the shape of a partition.
type Limits struct {
	MaxItemsPerCategory int
	MaxCategories       int
}

// DefaultLimits returns the partition limits, reading from viper when available.
func DefaultLimits() Limits {
	perCategory := viper.GetInt("review.max_items_per_category")
	if perCategory <= 0 {
		perCategory = 3
	}

	maxCategories := viper.GetInt("review.max_categories")
	if maxCategories <= 0 {
		maxCategories = 20
	}

	return Limits{
		MaxItemsPerCategory: perCategory,
		MaxCategories:       maxCategories,
	}
}

// Category is a named, non-empty group of checklist items.
type Category struct {
	Name  string
	Items []*models.ChecklistItem
}

// Proposal is one category as the model suggested it.
type Proposal struct {
	Name         string   `json:"name"`
	ChecklistIDs []string `json:"checklistIds"`
}

type proposalResponse struct {
	Categories []Proposal `json:"categories"`
}

// Partitioner asks the model for a semantic grouping and falls back to
// equal-size chunks when that fails.
type Partitioner struct {
	gen    llm.Generator
	logger *slog.Logger
}

// NewPartitioner creates a partitioner. A nil logger discards log output.
func NewPartitioner(gen llm.Generator, logger *slog.Logger) *Partitioner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Partitioner{gen: gen, logger: logger}
}

// Partition splits items into categories. Every item ends up in exactly one
// category and no category exceeds limits.MaxItemsPerCategory. It never fails:
// model errors, empty answers and answers that name none of the items fall
// back to ChunkEvenly.
func (p *Partitioner) Partition(ctx context.Context, items []*models.ChecklistItem, limits Limits) []Category {
	limits = limits.normalized()
	if len(items) == 0 {
		return nil
	}

	var resp proposalResponse
	err := p.gen.Generate(ctx, llm.Request{
		Operation: "partition",
		System:    partitionSystemPrompt,
		Prompt:    buildPartitionPrompt(items, limits),
	}, &resp, nil)
	if err != nil {
		p.logger.Warn("partition call failed, chunking evenly", "items", len(items), "error", err)
		metrics.RecordPartitionFallback()
		return ChunkEvenly(items, limits.MaxItemsPerCategory)
	}

	if !claimsAny(resp.Categories, items, limits) {
		p.logger.Warn("partition returned no usable categories, chunking evenly",
			"items", len(items), "proposals", len(resp.Categories))
		metrics.RecordPartitionFallback()
		return ChunkEvenly(items, limits.MaxItemsPerCategory)
	}

	categories := Normalize(resp.Categories, items, limits)
	p.logger.Debug("partitioned checklist",
		"items", len(items),
		"proposals", len(resp.Categories),
		"categories", len(categories))
	return categories
}

// Normalize turns model proposals into a valid partition of items. Proposals
// past limits.MaxCategories are ignored, unknown and repeated ids are dropped
// (the first category to claim an id keeps it), items nobody claimed go to
// a trailing "Other" category in input order, and oversized categories are
// split into "name", "name (Part 2)", and so on. If the model already proposed
// an "Other" category, unclaimed items are appended to it.
func Normalize(proposals []Proposal, items []*models.ChecklistItem, limits Limits) []Category {
	limits = limits.normalized()

	byID := make(map[string]*models.ChecklistItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}

	if len(proposals) > limits.MaxCategories {
		proposals = proposals[:limits.MaxCategories]
	}

	seen := make(map[string]bool, len(items))
	var grouped []Category
	for _, prop := range proposals {
		var members []*models.ChecklistItem
		for _, id := range prop.ChecklistIDs {
			item, ok := byID[id]
			if !ok || seen[id] {
				continue
			}
			seen[id] = true
			members = append(members, item)
		}
		if len(members) == 0 {
			continue
		}
		grouped = append(grouped, Category{Name: prop.Name, Items: members})
	}

	var other []*models.ChecklistItem
	for _, item := range items {
		if !seen[item.ID] {
			seen[item.ID] = true
			other = append(other, item)
		}
	}
	if len(other) > 0 {
		merged := false
		for i := range grouped {
			if strings.EqualFold(strings.TrimSpace(grouped[i].Name), OtherCategory) {
				grouped[i].Items = append(grouped[i].Items, other...)
				merged = true
				break
			}
		}
		if !merged {
			grouped = append(grouped, Category{Name: OtherCategory, Items: other})
		}
	}

	var out []Category
	for _, c := range grouped {
		out = append(out, split(c, limits.MaxItemsPerCategory)...)
	}
	return out
}

// claimsAny reports whether any proposal within the category limit names at
// least one known item.
func claimsAny(proposals []Proposal, items []*models.ChecklistItem, limits Limits) bool {
	if len(proposals) > limits.MaxCategories {
		proposals = proposals[:limits.MaxCategories]
	}
	known := make(map[string]bool, len(items))
	for _, item := range items {
		known[item.ID] = true
	}
	for _, prop := range proposals {
		for _, id := range prop.ChecklistIDs {
			if known[id] {
				return true
			}
		}
	}
	return false
}

// ChunkEvenly splits items into consecutive groups of at most size items,
// named "Category 1", "Category 2", ...
func ChunkEvenly(items []*models.ChecklistItem, size int) []Category {
	if size <= 0 {
		size = 1
	}
	var out []Category
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, Category{
			Name:  fmt.Sprintf("Category %d", len(out)+1),
			Items: items[start:end],
		})
	}
	return out
}

func split(c Category, size int) []Category {
	if len(c.Items) <= size {
		return []Category{c}
	}
	var parts []Category
	for start := 0; start < len(c.Items); start += size {
		end := min(start+size, len(c.Items))
		name := c.Name
		if n := len(parts) + 1; n > 1 {
			name = fmt.Sprintf("%s (Part %d)", c.Name, n)
		}
		parts = append(parts, Category{Name: name, Items: c.Items[start:end]})
	}
	return parts
}

func (l Limits) normalized() Limits {
	if l.MaxItemsPerCategory <= 0 {
		l.MaxItemsPerCategory = 1
	}
	if l.MaxCategories <= 0 {
		l.MaxCategories = 1
	}
	return l
}

// Package export renders an account's grouping view as CSV and XLSX, and parses
// the CSV seed file for shared mapping rules.
package export

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/xuri/excelize/v2"

	"github.com/FACorreiaa/grocery-tracker/internal/domain/grouping"
	"github.com/FACorreiaa/grocery-tracker/pkg/money"
)

// RuleRow is one effective rule in the CSV export
type RuleRow struct {
	OriginalName   string `csv:"original_name"`
	MappedName     string `csv:"mapped_name"`
	Category       string `csv:"category"`
	Scope          string `csv:"scope"`
	State          string `csv:"state"`
	AutoGenerated  bool   `csv:"auto_generated"`
	OverrideActive bool   `csv:"override_active"`
}

// SeedRow is one line of a shared rule seed file
type SeedRow struct {
	OriginalName string `csv:"original_name"`
	MappedName   string `csv:"mapped_name"`
	Category     string `csv:"category"`
}

// WriteRulesCSV writes every effective rule of the view, detached markers included
func WriteRulesCSV(w io.Writer, view *grouping.View) error {
	rows := make([]RuleRow, 0, len(view.Rules))
	for _, e := range view.Rules {
		var category string
		if e.Category != nil {
			category = *e.Category
		}
		rows = append(rows, RuleRow{
			OriginalName:   e.Rule.OriginalName,
			MappedName:     e.Rule.MappedName,
			Category:       category,
			Scope:          e.Rule.Scope.Kind.String(),
			State:          e.State().String(),
			AutoGenerated:  e.Rule.AutoGenerated,
			OverrideActive: e.OverrideActive,
		})
	}

	if err := gocsv.Marshal(rows, w); err != nil {
		return fmt.Errorf("failed to write rules CSV: %w", err)
	}
	return nil
}

// ParseSeedCSV reads shared mapping rules. Rows without an original or mapped
// name are rejected with their line number.
func ParseSeedCSV(r io.Reader) ([]grouping.MappingRule, error) {
	var rows []SeedRow
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse seed CSV: %w", err)
	}

	rules := make([]grouping.MappingRule, 0, len(rows))
	for i, row := range rows {
		line := i + 2 // header is line 1
		original := strings.TrimSpace(row.OriginalName)
		mapped := strings.TrimSpace(row.MappedName)
		if original == "" || mapped == "" {
			return nil, &grouping.ValidationError{
				Field:   "line " + strconv.Itoa(line),
				Message: "original_name and mapped_name are required",
			}
		}

		rule := grouping.MappingRule{
			Scope:        grouping.Global(),
			OriginalName: original,
			MappedName:   mapped,
		}
		if c := strings.TrimSpace(row.Category); c != "" {
			rule.Category = &c
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

const (
	groupsSheet   = "Groups"
	worklistSheet = "Worklist"
)

// WriteGroupsXLSX writes a workbook with one sheet of groups and their
// purchase stats and one sheet of ungrouped products
func WriteGroupsXLSX(w io.Writer, view *grouping.View, currency string) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", groupsSheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}
	if _, err := f.NewSheet(worklistSheet); err != nil {
		return fmt.Errorf("failed to add sheet: %w", err)
	}

	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	groupHeader := []interface{}{"Group", "Members", "Purchases", "Spend", "Avg per purchase", "Category", "Category drift", "Scope"}
	if err := writeRow(f, groupsSheet, 1, groupHeader); err != nil {
		return err
	}
	if err := f.SetRowStyle(groupsSheet, 1, 1, header); err != nil {
		return fmt.Errorf("failed to style header: %w", err)
	}

	for i, g := range view.Groups {
		spend := money.New(g.SpendMinor, currency)
		row := []interface{}{
			g.Name,
			g.MemberCount(),
			g.PurchaseCount,
			spend.Display(),
			spend.Average(g.PurchaseCount).Display(),
			groupCategory(g),
			g.CategoryDrift,
			groupScope(g),
		}
		if err := writeRow(f, groupsSheet, i+2, row); err != nil {
			return err
		}
	}

	worklistHeader := []interface{}{"Product", "State", "Purchases", "Spend", "Categories"}
	if err := writeRow(f, worklistSheet, 1, worklistHeader); err != nil {
		return err
	}
	if err := f.SetRowStyle(worklistSheet, 1, 1, header); err != nil {
		return fmt.Errorf("failed to style header: %w", err)
	}

	for i, item := range view.Worklist {
		row := []interface{}{
			item.OriginalName,
			item.State.String(),
			item.PurchaseCount,
			money.New(item.SpendMinor, currency).Display(),
			strings.Join(item.Categories, ", "),
		}
		if err := writeRow(f, worklistSheet, i+2, row); err != nil {
			return err
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func writeRow(f *excelize.File, sheet string, rowIdx int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, rowIdx)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("failed to write %s row %d: %w", sheet, rowIdx, err)
	}
	return nil
}

func groupCategory(g grouping.Group) string {
	switch {
	case g.Category != nil:
		return *g.Category
	case g.HasCategoryConflict():
		return "mixed: " + strings.Join(g.Categories, ", ")
	default:
		return ""
	}
}

func groupScope(g grouping.Group) string {
	switch {
	case g.FullyGlobal():
		return "global"
	case g.HasGlobal:
		return "mixed"
	default:
		return "personal"
	}
}

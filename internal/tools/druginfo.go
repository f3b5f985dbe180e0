package tools

import (
	"context"
	"sort"
	"strings"
)

// DrugInfo serves medication facts from an in-process reference table.
// The table stands in for an external formulary API; entries carry the
// full field set an evidence-backed answer needs.
type DrugInfo struct {
	database map[string]DrugRecord
}

// DrugRecord is one medication entry.
type DrugRecord struct {
	Name         string `json:"name"`
	Dosage       string `json:"dosage"`
	Instructions string `json:"instructions"`
	SideEffects  string `json:"side_effects"`
	Interactions string `json:"interactions"`
	Warnings     string `json:"warnings"`
}

// NewDrugInfo returns the drug info tool with the built-in reference table.
func NewDrugInfo() *DrugInfo {
	return &DrugInfo{
		database: map[string]DrugRecord{
			"paracetamol": {
				Name:         "Paracetamol (Acetaminophen)",
				Dosage:       "Adults: 500-1000mg every 4-6 hours, max 4000mg/day",
				Instructions: "Take with or without food. Do not exceed recommended dose. May take with water.",
				SideEffects:  "Rare: skin rash, allergic reactions. Overdose can cause liver damage.",
				Interactions: "May interact with warfarin. Avoid alcohol.",
				Warnings:     "Do not use if allergic to paracetamol. Consult doctor if symptoms persist.",
			},
			"ibuprofen": {
				Name:         "Ibuprofen",
				Dosage:       "Adults: 200-400mg every 4-6 hours, max 1200mg/day",
				Instructions: "Take with food or milk to reduce stomach upset. Swallow whole with water.",
				SideEffects:  "Common: stomach upset, nausea. Rare: stomach bleeding, kidney problems.",
				Interactions: "May interact with aspirin, blood thinners, ACE inhibitors.",
				Warnings:     "Do not use if you have stomach ulcers or kidney disease. Avoid during pregnancy.",
			},
			"aspirin": {
				Name:         "Aspirin (Acetylsalicylic Acid)",
				Dosage:       "Adults: 75-325mg daily for heart protection, 325-650mg for pain every 4-6 hours",
				Instructions: "Take with food or water. Do not crush enteric-coated tablets.",
				SideEffects:  "Common: stomach irritation. Rare: bleeding, allergic reactions.",
				Interactions: "Interacts with many medications including warfarin, methotrexate.",
				Warnings:     "Do not give to children with viral infections. Avoid if bleeding disorder.",
			},
		},
	}
}

type drugInfoArgs struct {
	DrugName string `json:"drug_name"`
	InfoType string `json:"info_type"`
}

func (d *DrugInfo) Name() string { return "drug_info" }

func (d *DrugInfo) Description() string {
	return "Retrieves information about medications including dosage, side effects, interactions, and instructions."
}

func (d *DrugInfo) Parameters() map[string]ParamSpec {
	return map[string]ParamSpec{
		"drug_name": {
			Type:        "string",
			Required:    true,
			Description: "Name of the drug to look up (e.g. 'paracetamol', 'ibuprofen')",
		},
		"info_type": {
			Type:        "string",
			Description: "Type of information to retrieve (default: 'all')",
			Enum:        []string{"all", "dosage", "instructions", "side_effects", "interactions", "warnings"},
			Default:     "all",
		},
	}
}

func (d *DrugInfo) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	var in drugInfoArgs
	if err := decodeArgs(args, &in); err != nil {
		return Failure("drug_info: %v", err), nil
	}

	drugName := strings.ToLower(strings.TrimSpace(in.DrugName))
	infoType := strings.ToLower(strings.TrimSpace(in.InfoType))
	if infoType == "" {
		infoType = "all"
	}
	if drugName == "" {
		return Failure("drug name is required"), nil
	}

	record, matched, ok := d.lookup(drugName)
	if !ok {
		return &Result{
			Success:  false,
			Error:    "drug '" + drugName + "' not found in database, available drugs: " + strings.Join(d.knownDrugs(), ", "),
			Metadata: map[string]any{"available_drugs": d.knownDrugs()},
		}, nil
	}

	data := d.fields(record, infoType)
	return &Result{
		Success: true,
		Output: map[string]any{
			"drug_name": matched,
			"info_type": infoType,
			"data":      data,
		},
		Metadata: map[string]any{
			"tool":       "drug_info",
			"drug_found": true,
			"info_type":  infoType,
		},
	}, nil
}

// lookup finds a record by exact key, then by substring match either way.
func (d *DrugInfo) lookup(name string) (DrugRecord, string, bool) {
	if rec, ok := d.database[name]; ok {
		return rec, name, true
	}
	for _, key := range d.knownDrugs() {
		if strings.Contains(key, name) || strings.Contains(name, key) {
			return d.database[key], key, true
		}
	}
	return DrugRecord{}, "", false
}

func (d *DrugInfo) knownDrugs() []string {
	names := make([]string, 0, len(d.database))
	for name := range d.database {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *DrugInfo) fields(rec DrugRecord, infoType string) map[string]string {
	all := map[string]string{
		"name":         rec.Name,
		"dosage":       rec.Dosage,
		"instructions": rec.Instructions,
		"side_effects": rec.SideEffects,
		"interactions": rec.Interactions,
		"warnings":     rec.Warnings,
	}
	if infoType == "all" {
		return all
	}
	if v, ok := all[infoType]; ok {
		return map[string]string{infoType: v}
	}
	return map[string]string{infoType: "Information not available"}
}

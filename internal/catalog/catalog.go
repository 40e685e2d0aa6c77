// Package catalog holds the static metric classification table. Every
// supported metric_type maps to exactly one category, a canonical unit, a
// base quality score, and an additivity flag. Adding a provider or metric
// means adding rows here (or in an override file), not branching logic.
package catalog

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/meridian-health/vitals-cli/internal/model"
)

// MetricInfo describes one metric type.
type MetricInfo struct {
	Category model.Category `yaml:"category"`
	Unit     string         `yaml:"unit"`
	// Quality is the base source-reliability estimate assigned at parse
	// time, before any per-source multiplier.
	Quality float64 `yaml:"quality"`
	// Additive marks strictly numeric metrics for which a cross-source
	// mean is meaningful; only these are eligible for the average policy.
	Additive bool `yaml:"additive"`
}

var defaultMetrics = map[string]MetricInfo{
	"activity_steps":          {Category: model.CategoryActivity, Unit: "count", Quality: 0.85, Additive: true},
	"activity_distance":       {Category: model.CategoryActivity, Unit: "m", Quality: 0.80, Additive: true},
	"activity_calories":       {Category: model.CategoryActivity, Unit: "kcal", Quality: 0.70, Additive: true},
	"activity_floors":         {Category: model.CategoryActivity, Unit: "count", Quality: 0.75, Additive: true},
	"activity_active_minutes": {Category: model.CategoryActivity, Unit: "min", Quality: 0.75, Additive: true},
	"sleep_duration":          {Category: model.CategorySleep, Unit: "min", Quality: 0.80, Additive: true},
	"sleep_deep":              {Category: model.CategorySleep, Unit: "min", Quality: 0.70, Additive: true},
	"sleep_rem":               {Category: model.CategorySleep, Unit: "min", Quality: 0.70, Additive: true},
	"sleep_efficiency":        {Category: model.CategorySleep, Unit: "percent", Quality: 0.65},
	"nutrition_calories":      {Category: model.CategoryNutrition, Unit: "kcal", Quality: 0.60, Additive: true},
	"nutrition_protein":       {Category: model.CategoryNutrition, Unit: "g", Quality: 0.60, Additive: true},
	"nutrition_carbs":         {Category: model.CategoryNutrition, Unit: "g", Quality: 0.60, Additive: true},
	"nutrition_fat":           {Category: model.CategoryNutrition, Unit: "g", Quality: 0.60, Additive: true},
	"nutrition_water":         {Category: model.CategoryNutrition, Unit: "ml", Quality: 0.65, Additive: true},
	"body_weight":             {Category: model.CategoryBodyComposition, Unit: "kg", Quality: 0.90, Additive: true},
	"body_fat_percent":        {Category: model.CategoryBodyComposition, Unit: "percent", Quality: 0.70},
	"body_bmi":                {Category: model.CategoryBodyComposition, Unit: "kg/m2", Quality: 0.85},
	"heart_rate":              {Category: model.CategoryHeartHealth, Unit: "bpm", Quality: 0.85},
	"heart_rate_resting":      {Category: model.CategoryHeartHealth, Unit: "bpm", Quality: 0.85},
	"heart_rate_variability":  {Category: model.CategoryHeartHealth, Unit: "ms", Quality: 0.75},
	"blood_pressure_systolic": {Category: model.CategoryHeartHealth, Unit: "mmHg", Quality: 0.80},
	"blood_oxygen":            {Category: model.CategoryHeartHealth, Unit: "percent", Quality: 0.75},
}

// sourceReliability scales the base quality per source. Unknown sources get
// a neutral multiplier.
var sourceReliability = map[string]float64{
	"fitpulse":     1.00,
	"sleeptrack":   0.95,
	"nutrilog":     0.85,
	"scale_sync":   1.05,
	"manual_entry": 0.70,
}

// Catalog resolves metric types to their classification.
type Catalog struct {
	metrics map[string]MetricInfo
}

// Default returns the built-in catalog.
func Default() *Catalog {
	return &Catalog{metrics: defaultMetrics}
}

// Load returns the built-in catalog extended by an optional YAML override
// file. Override rows replace built-in rows with the same metric type.
func Load(path string) (*Catalog, error) {
	c := &Catalog{metrics: make(map[string]MetricInfo, len(defaultMetrics))}
	for k, v := range defaultMetrics {
		c.metrics[k] = v
	}
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: read override %s", path)
	}
	var wrapper struct {
		Metrics map[string]MetricInfo `yaml:"metrics"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "catalog: parse override")
	}
	for k, v := range wrapper.Metrics {
		if !v.Category.Valid() {
			return nil, eris.Errorf("catalog: metric %s has unknown category %q", k, v.Category)
		}
		c.metrics[k] = v
	}
	return c, nil
}

// Lookup returns the classification for a metric type. The second return is
// false for unmapped types, which parsers must drop before dedup.
func (c *Catalog) Lookup(metricType string) (MetricInfo, bool) {
	info, ok := c.metrics[metricType]
	return info, ok
}

// Quality computes the parse-time quality score for a metric from a given
// source, clamped to [0, 1].
func (c *Catalog) Quality(metricType, source string) float64 {
	info, ok := c.metrics[metricType]
	if !ok {
		return 0
	}
	mult, ok := sourceReliability[source]
	if !ok {
		mult = 0.9
	}
	q := info.Quality * mult
	if q > 1 {
		q = 1
	}
	if q < 0 {
		q = 0
	}
	return q
}

// Additive reports whether a metric type is eligible for the average policy.
func (c *Catalog) Additive(metricType string) bool {
	info, ok := c.metrics[metricType]
	return ok && info.Additive
}

// Types returns all known metric type names.
func (c *Catalog) Types() []string {
	out := make([]string, 0, len(c.metrics))
	for k := range c.metrics {
		out = append(out, k)
	}
	return out
}

package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/tripwire/alarmd/internal/alarm"
)

// alarmDef is the YAML shape of a single leaf entry in the alarm-definition
// document: area -> alarm_name -> { set, reset, severity, meas }.
type alarmDef struct {
	Set      int64  `yaml:"set"`
	Reset    int64  `yaml:"reset"`
	Severity int64  `yaml:"severity"`
	Meas     string `yaml:"meas"`
}

// LoadAlarmDefinitions reads the two-level area -> alarm_name -> definition
// YAML document at path and returns one alarm.Config per alarm, with Name
// set to the fully-qualified "<area>/<alarm_name>" form. A duplicate
// fully-qualified name within the document is a fatal configuration error,
// matching the panic-on-duplicate behavior of the system this was adapted
// from.
func LoadAlarmDefinitions(path string) ([]alarm.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read alarm definitions %q: %w", path, err)
	}

	var doc map[string]map[string]alarmDef
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: cannot parse alarm definitions %q: %w", path, err)
	}

	areas := make([]string, 0, len(doc))
	for area := range doc {
		areas = append(areas, area)
	}
	sort.Strings(areas)

	seen := make(map[string]bool)
	var out []alarm.Config

	for _, area := range areas {
		names := make([]string, 0, len(doc[area]))
		for name := range doc[area] {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			def := doc[area][name]
			fq := area + "/" + name
			if seen[fq] {
				return nil, fmt.Errorf("config: duplicate alarm name %q in %q", fq, path)
			}
			seen[fq] = true

			sev, ok := alarm.SeverityFromYAML(def.Severity)
			if !ok {
				return nil, fmt.Errorf("config: alarm %q: severity %d must be 0, 1, or 2", fq, def.Severity)
			}

			out = append(out, alarm.Config{
				Name:        fq,
				Measurement: def.Meas,
				SetValue:    def.Set,
				ResetValue:  def.Reset,
				Severity:    sev,
			})
		}
	}

	return out, nil
}

package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
)

const styleStateSchemaVersion = 1

// StyleState is the versioned jsonb payload of the writing-style aggregate:
// per-dimension running mean and sum of squared deviations (M2), which is
// what the online merge needs to stay numerically stable.
type StyleState struct {
	Version int       `json:"v"`
	Mean    []float64 `json:"mean"`
	M2      []float64 `json:"m2"`
}

func (s StyleState) Value() (driver.Value, error) {
	if s.Version == 0 {
		s.Version = styleStateSchemaVersion
	}
	return json.Marshal(s)
}

func (s *StyleState) Scan(value interface{}) error {
	if value == nil {
		*s = StyleState{Version: styleStateSchemaVersion}
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		if str, ok := value.(string); ok {
			b = []byte(str)
		} else {
			return fmt.Errorf("unsupported style state column type %T", value)
		}
	}
	return json.Unmarshal(b, s)
}

// StyleMatrix is per-connection derived state summarizing outgoing writing
// style. It is rebuildable from message history and never a source of truth.
type StyleMatrix struct {
	gorm.Model
	ConnectionID uint       `gorm:"not null;uniqueIndex" json:"connection_id"`
	SampleCount  int64      `gorm:"default:0" json:"sample_count"`
	State        StyleState `gorm:"type:jsonb" json:"state"`
}

package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Wire formats for times and dates.
const (
	TimeLayout = "15:04:05"
	DateLayout = "2006-01-02"
)

// EntryPayload is the body of an entry write.
type EntryPayload struct {
	PetrolPumpID     string `json:"petrolPumpID"`
	VehicleType      string `json:"VehicleType"`
	PetrolPumpNumber string `json:"PetrolPumpNumber"`
	Helmet           bool   `json:"Helmet"`
	EnteringTime     string `json:"EnteringTime"`
	ExitTime         string `json:"ExitTime"`
	FillingTime      string `json:"FillingTime"`
	Date             string `json:"Date"`
	ServerUpdate     bool   `json:"ServerUpdate"`
	VehicleID        string `json:"VehicleID"`
}

// ExitPayload is the body of an exit write.
type ExitPayload struct {
	ExitTime    string `json:"ExitTime"`
	FillingTime string `json:"FillingTime"`
}

// FormatFillingTime renders a dwell as whole seconds, e.g. "30 seconds".
func FormatFillingTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%d seconds", int64(d/time.Second))
}

// NewEntryPayload builds the entry body for a vehicle first seen at enteredAt.
func NewEntryPayload(siteID, pumpNumber, vehicleType, provisionalID string, enteredAt time.Time) EntryPayload {
	return EntryPayload{
		PetrolPumpID:     siteID,
		VehicleType:      vehicleType,
		PetrolPumpNumber: pumpNumber,
		Helmet:           true,
		EnteringTime:     enteredAt.Format(TimeLayout),
		Date:             enteredAt.Format(DateLayout),
		ServerUpdate:     true,
		VehicleID:        provisionalID,
	}
}

// NewExitPayload builds the exit body.
func NewExitPayload(exitedAt time.Time, dwell time.Duration) ExitPayload {
	return ExitPayload{
		ExitTime:    exitedAt.Format(TimeLayout),
		FillingTime: FormatFillingTime(dwell),
	}
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("VehicleID is neither string nor number: %s", b)
	}
	*f = flexString(n.String())
	return nil
}

type entryResponse struct {
	VehicleID flexString `json:"VehicleID"`
}

// Record is one vehicle entry as reported by the remote service.
type Record struct {
	VehicleID       string `json:"VehicleID"`
	VehicleType     string `json:"VehicleType"`
	EnteringTime    string `json:"EnteringTime"`
	ExitTime        string `json:"ExitTime"`
	FillingTime     string `json:"FillingTime"`
	Date            string `json:"Date"`
	ServerConnected string `json:"ServerConnected"`
	ServerUpdate    bool   `json:"ServerUpdate"`
}

type wireRecord struct {
	VehicleID       flexString      `json:"VehicleID"`
	VehicleType     string          `json:"VehicleType"`
	EnteringTime    string          `json:"EnteringTime"`
	ExitTime        string          `json:"ExitTime"`
	FillingTime     string          `json:"FillingTime"`
	Date            string          `json:"Date"`
	ServerConnected json.RawMessage `json:"ServerConnected"`
	ServerUpdate    bool            `json:"ServerUpdate"`
}

func (w wireRecord) record() Record {
	r := Record{
		VehicleID:       string(w.VehicleID),
		VehicleType:     w.VehicleType,
		EnteringTime:    w.EnteringTime,
		ExitTime:        w.ExitTime,
		FillingTime:     w.FillingTime,
		Date:            w.Date,
		ServerConnected: "0",
		ServerUpdate:    w.ServerUpdate,
	}
	if r.VehicleID == "" {
		r.VehicleID = "unknown"
	}
	if r.VehicleType == "" {
		r.VehicleType = ClassCar
	}
	if len(w.ServerConnected) > 0 {
		var s flexString
		if err := json.Unmarshal(w.ServerConnected, &s); err == nil && s != "" {
			r.ServerConnected = string(s)
		} else {
			var b bool
			if json.Unmarshal(w.ServerConnected, &b) == nil {
				r.ServerConnected = strconv.FormatBool(b)
			}
		}
	}
	return r
}

// decodeRecords accepts a single object or an array of objects.
func decodeRecords(body []byte) ([]Record, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, nil
	}
	var wire []wireRecord
	if body[0] == '{' {
		var one wireRecord
		if err := json.Unmarshal(body, &one); err != nil {
			return nil, err
		}
		wire = []wireRecord{one}
	} else if err := json.Unmarshal(body, &wire); err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.record())
	}
	return out, nil
}

// Package record holds the persisted visitor state shapes and the storage
// keys they live under.
package record

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
)

const (
	KeyID              = "userID"
	KeyParams          = "userParams"
	KeyCreatedAt       = "userCreateTime"
	KeyUpdatedAt       = "updatedTime"
	KeyRemoteUpdatedAt = "remoteUpdatedTime"
)

// Keys lists every persisted key in a stable order.
var Keys = []string{KeyID, KeyParams, KeyCreatedAt, KeyUpdatedAt, KeyRemoteUpdatedAt}

// TimestampKey is reserved inside Params for the first-capture time.
const TimestampKey = "timestamp"

// Params is the attribution state. In JSON it is a flat object with the
// captured values plus the reserved timestamp key.
type Params struct {
	Values    map[string]string
	Timestamp int64
}

func NewParams() Params {
	return Params{Values: map[string]string{}}
}

func (p Params) Has(name string) bool {
	_, ok := p.Values[name]
	return ok
}

func (p Params) Len() int {
	return len(p.Values)
}

func (p Params) Clone() Params {
	out := Params{Values: make(map[string]string, len(p.Values)), Timestamp: p.Timestamp}
	for k, v := range p.Values {
		out.Values[k] = v
	}
	return out
}

func (p Params) Empty() bool {
	return len(p.Values) == 0 && p.Timestamp == 0
}

func (p Params) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, len(p.Values))
	for name := range p.Values {
		if name == TimestampKey {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range names {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(p.Values[name])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	if p.Timestamp != 0 {
		if len(names) > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(`"` + TimestampKey + `":`)
		buf.WriteString(strconv.FormatInt(p.Timestamp, 10))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (p *Params) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := NewParams()
	for name, value := range raw {
		if name == TimestampKey {
			var ts json.Number
			if err := json.Unmarshal(value, &ts); err != nil {
				continue
			}
			if n, err := ts.Int64(); err == nil {
				out.Timestamp = n
			} else if f, err := ts.Float64(); err == nil {
				out.Timestamp = int64(f)
			}
			continue
		}
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			continue
		}
		out.Values[name] = s
	}
	*p = out
	return nil
}

// Record is the visitor state exchanged with the remote endpoint. Zero
// values mean the field is absent.
type Record struct {
	ID              string  `json:"id,omitempty"`
	Params          *Params `json:"params,omitempty"`
	CreatedAt       int64   `json:"createdAt,omitempty"`
	UpdatedAt       int64   `json:"updatedAt,omitempty"`
	RemoteUpdatedAt int64   `json:"remoteUpdatedAt,omitempty"`
	UserAgent       string  `json:"userAgent,omitempty"`
	Referer         string  `json:"referer,omitempty"`
}

// PresentFields counts how many of id, params, createdAt and updatedAt are
// set.
func (r Record) PresentFields() int {
	n := 0
	if r.ID != "" {
		n++
	}
	if r.Params != nil {
		n++
	}
	if r.CreatedAt != 0 {
		n++
	}
	if r.UpdatedAt != 0 {
		n++
	}
	return n
}

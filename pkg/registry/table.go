package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// triggerTable maps triggers to stored file names for one community and
// remembers insertion order, which survives a JSON round trip.
type triggerTable struct {
	order []string
	files map[string]string
}

func newTriggerTable() *triggerTable {
	return &triggerTable{files: make(map[string]string)}
}

func (t *triggerTable) get(trigger string) (string, bool) {
	f, ok := t.files[trigger]
	return f, ok
}

func (t *triggerTable) insert(trigger, fileName string) bool {
	if _, exists := t.files[trigger]; exists {
		return false
	}
	t.files[trigger] = fileName
	t.order = append(t.order, trigger)
	return true
}

func (t *triggerTable) delete(trigger string) (string, bool) {
	f, ok := t.files[trigger]
	if !ok {
		return "", false
	}
	delete(t.files, trigger)
	for i, name := range t.order {
		if name == trigger {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return f, true
}

func (t *triggerTable) triggers() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// MarshalJSON writes the table as a JSON object with keys in insertion order.
func (t *triggerTable) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, trigger := range t.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(trigger)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(t.files[trigger])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object of trigger -> file name, keeping key order.
func (t *triggerTable) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("trigger table: expected object, got %v", tok)
	}

	table := newTriggerTable()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		trigger, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("trigger table: expected string key, got %v", keyTok)
		}
		var fileName string
		if err := dec.Decode(&fileName); err != nil {
			return fmt.Errorf("trigger table: value for %q: %w", trigger, err)
		}
		if fileName == "" {
			return fmt.Errorf("trigger table: empty file name for %q", trigger)
		}
		table.insert(trigger, fileName)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*t = *table
	return nil
}

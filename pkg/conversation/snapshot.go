package conversation

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// SaveToFile persists the full graph to a JSON file so a conversation can be
// inspected or reloaded across sessions. Transient streaming flags are not
// serialized.
func (s *Store) SaveToFile(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return errors.Wrapf(err, "could not create %s", filename)
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.Messages()); err != nil {
		return errors.Wrap(err, "could not encode conversation")
	}
	return nil
}

// LoadFromFile replaces the store's contents with the messages from a
// snapshot file written by SaveToFile.
func (s *Store) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrapf(err, "could not read %s", filename)
	}
	var msgs []*Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return errors.Wrap(err, "could not decode conversation")
	}
	s.messages = make(map[MessageID]*Message, len(msgs))
	s.Upsert(msgs...)
	return nil
}

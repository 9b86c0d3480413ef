package rules

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Book resolves the rules for a room: a per-room entry when one exists,
// otherwise the default entry.
//
// Book is immutable after construction and safe for concurrent use.
type Book struct {
	def   Rules
	rooms map[string]Rules
}

// NewBook returns a Book that applies def to every room.
func NewBook(def Rules) *Book {
	return &Book{def: def, rooms: make(map[string]Rules)}
}

// With returns a copy of b with rules r registered for roomID.
func (b *Book) With(roomID string, r Rules) *Book {
	rooms := make(map[string]Rules, len(b.rooms)+1)
	for id, rr := range b.rooms {
		rooms[id] = rr
	}
	rooms[roomID] = r
	return &Book{def: b.def, rooms: rooms}
}

// For returns the rules in force for roomID.
func (b *Book) For(roomID string) Rules {
	if r, ok := b.rooms[roomID]; ok {
		return r
	}
	return b.def
}

// Rooms returns the number of rooms with dedicated rules.
func (b *Book) Rooms() int {
	return len(b.rooms)
}

type boardSpec struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// ruleSpec is one entry of the rules file. Unset fields inherit from the
// default entry.
type ruleSpec struct {
	DefaultHP    *int       `yaml:"default_hp"`
	MaxHP        *int       `yaml:"max_hp"`
	MaxDiceSides *int       `yaml:"max_dice_sides"`
	Board        *boardSpec `yaml:"board"`
	HPPolicy     string     `yaml:"hp_policy"`
	HPScript     string     `yaml:"hp_script"`
}

type bookSpec struct {
	Default ruleSpec            `yaml:"default"`
	Rooms   map[string]ruleSpec `yaml:"rooms"`
}

// LoadBook reads a YAML rules file. Relative hp_script paths resolve against
// the directory of the rules file.
//
// Precondition: path must be a readable YAML file.
// Postcondition: Returns a Book whose every entry passes Rules.Validate, or a
// non-nil error.
func LoadBook(path string) (*Book, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	return ParseBook(data, filepath.Dir(path))
}

// ParseBook parses rules YAML. baseDir anchors relative hp_script paths.
func ParseBook(data []byte, baseDir string) (*Book, error) {
	var raw bookSpec
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing rules file: %w", err)
	}

	def, err := raw.Default.resolve(Default(), baseDir)
	if err != nil {
		return nil, fmt.Errorf("rules default: %w", err)
	}

	book := NewBook(def)
	for roomID, rs := range raw.Rooms {
		r, err := rs.resolve(def, baseDir)
		if err != nil {
			return nil, fmt.Errorf("rules for room %q: %w", roomID, err)
		}
		book.rooms[roomID] = r
	}
	return book, nil
}

func (s ruleSpec) resolve(base Rules, baseDir string) (Rules, error) {
	r := base
	if s.DefaultHP != nil {
		r.DefaultHP = *s.DefaultHP
	}
	if s.MaxHP != nil {
		r.MaxHP = *s.MaxHP
	}
	if s.MaxDiceSides != nil {
		r.MaxDiceSides = *s.MaxDiceSides
	}
	if s.Board != nil {
		r.BoardWidth = s.Board.Width
		r.BoardHeight = s.Board.Height
	}

	switch s.HPPolicy {
	case "":
		if _, ok := r.HP.(Clamp); ok && s.MaxHP != nil {
			r.HP = Clamp{Max: r.MaxHP}
		}
	case PolicyUnbounded:
		r.HP = Unbounded{}
	case PolicyFloorZero:
		r.HP = FloorZero{}
	case PolicyClamp:
		if r.MaxHP <= 0 {
			return Rules{}, fmt.Errorf("hp_policy clamp requires max_hp > 0")
		}
		r.HP = Clamp{Max: r.MaxHP}
	case PolicyLua:
		if s.HPScript == "" {
			return Rules{}, fmt.Errorf("hp_policy lua requires hp_script")
		}
		script := s.HPScript
		if !filepath.IsAbs(script) {
			script = filepath.Join(baseDir, script)
		}
		p, err := NewLuaPolicy(script)
		if err != nil {
			return Rules{}, err
		}
		r.HP = p
	default:
		return Rules{}, fmt.Errorf("hp_policy must be one of [%s, %s, %s, %s], got %q",
			PolicyUnbounded, PolicyFloorZero, PolicyClamp, PolicyLua, s.HPPolicy)
	}

	if err := r.Validate(); err != nil {
		return Rules{}, err
	}
	return r, nil
}

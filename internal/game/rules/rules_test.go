package rules_test

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/P0W3R97/dnd-tabletop/internal/game/rules"
)

func TestDefault(t *testing.T) {
	r := rules.Default()
	require.NoError(t, r.Validate())
	assert.Equal(t, 20, r.DefaultHP)
	assert.Equal(t, 10_000, r.Limits().MaxDiceSides)
	assert.Zero(t, r.Limits().BoardWidth)
	assert.Equal(t, rules.PolicyUnbounded, r.HP.Name())
}

// Property: Unbounded never clamps.
func TestUnbounded_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cur := rapid.IntRange(-1_000_000, 1_000_000).Draw(rt, "current")
		delta := rapid.IntRange(-1_000_000, 1_000_000).Draw(rt, "delta")
		got, err := rules.Unbounded{}.Adjust(cur, delta)
		require.NoError(rt, err)
		assert.Equal(rt, cur+delta, got)
	})
}

// Property: Clamp results always stay within [0, Max].
func TestClamp_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxHP := rapid.IntRange(1, 500).Draw(rt, "max")
		cur := rapid.IntRange(-1000, 1000).Draw(rt, "current")
		delta := rapid.IntRange(-1000, 1000).Draw(rt, "delta")
		got, err := rules.Clamp{Max: maxHP}.Adjust(cur, delta)
		require.NoError(rt, err)
		assert.GreaterOrEqual(rt, got, 0)
		assert.LessOrEqual(rt, got, maxHP)
	})
}

func TestFloorZero(t *testing.T) {
	got, err := rules.FloorZero{}.Adjust(3, -10)
	require.NoError(t, err)
	assert.Equal(t, 0, got)

	got, err = rules.FloorZero{}.Adjust(3, 10)
	require.NoError(t, err)
	assert.Equal(t, 13, got)
}

func TestLuaPolicy_Adjust(t *testing.T) {
	p, err := rules.NewLuaPolicyFromString("halve", `
		function adjust_hp(current, delta)
			if delta < 0 then
				return current + math.floor(delta / 2)
			end
			return current + delta
		end
	`)
	require.NoError(t, err)
	defer p.Close()

	got, err := p.Adjust(20, -10)
	require.NoError(t, err)
	assert.Equal(t, 15, got)

	got, err = p.Adjust(20, 4)
	require.NoError(t, err)
	assert.Equal(t, 24, got)
}

func TestLuaPolicy_MissingHook(t *testing.T) {
	_, err := rules.NewLuaPolicyFromString("empty", `-- nothing here`)
	assert.Error(t, err)
}

func TestLuaPolicy_NonIntegerResult(t *testing.T) {
	p, err := rules.NewLuaPolicyFromString("frac", `function adjust_hp(c, d) return 1.5 end`)
	require.NoError(t, err)
	defer p.Close()
	_, err = p.Adjust(1, 1)
	assert.Error(t, err)
}

func TestLuaPolicy_ExactAtDeltaBound(t *testing.T) {
	p, err := rules.NewLuaPolicyFromString("sum", `function adjust_hp(c, d) return c + d end`)
	require.NoError(t, err)
	defer p.Close()

	got, err := p.Adjust(0, math.MaxInt32)
	require.NoError(t, err)
	assert.Equal(t, math.MaxInt32, got)
	got, err = p.Adjust(-7, -math.MaxInt32+7)
	require.NoError(t, err)
	assert.Equal(t, -math.MaxInt32, got)

	// Out of range results are errors, never rounded values.
	_, err = p.Adjust(1, math.MaxInt32)
	assert.Error(t, err)
}

func TestLuaPolicy_InstructionLimit(t *testing.T) {
	p, err := rules.NewLuaPolicyFromString("loop", `function adjust_hp(c, d) while true do end end`)
	require.NoError(t, err)
	defer p.Close()
	_, err = p.Adjust(1, 1)
	assert.Error(t, err)

	// The VM stays usable for later calls once the budget is refreshed.
	_, err = p.Adjust(1, 1)
	assert.Error(t, err)
}

func TestLuaPolicy_SandboxStripsLoader(t *testing.T) {
	p, err := rules.NewLuaPolicyFromString("io", `
		function adjust_hp(c, d)
			if dofile ~= nil or require ~= nil then
				return -1
			end
			return c + d
		end
	`)
	require.NoError(t, err)
	defer p.Close()
	got, err := p.Adjust(2, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, got)
}

func TestParseBook(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hp.lua"),
		[]byte(`function adjust_hp(c, d) return c + 2 * d end`), 0644))

	book, err := rules.ParseBook([]byte(`
default:
  default_hp: 30
  hp_policy: floor_zero
rooms:
  table-1:
    board:
      width: 50
      height: 40
  arena:
    max_hp: 100
    hp_policy: clamp
  chaos:
    hp_policy: lua
    hp_script: hp.lua
`), dir)
	require.NoError(t, err)
	assert.Equal(t, 3, book.Rooms())

	def := book.For("unknown-room")
	assert.Equal(t, 30, def.DefaultHP)
	assert.Equal(t, rules.PolicyFloorZero, def.HP.Name())
	assert.Equal(t, 10_000, def.MaxDiceSides)

	table := book.For("table-1")
	assert.Equal(t, 30, table.DefaultHP)
	assert.Equal(t, 50, table.Limits().BoardWidth)
	assert.Equal(t, 40, table.Limits().BoardHeight)

	arena := book.For("arena")
	got, err := arena.HP.Adjust(90, 50)
	require.NoError(t, err)
	assert.Equal(t, 100, got)

	chaos := book.For("chaos")
	got, err = chaos.HP.Adjust(10, 3)
	require.NoError(t, err)
	assert.Equal(t, 16, got)
}

func TestParseBook_Errors(t *testing.T) {
	cases := map[string]string{
		"unknown policy":   "default:\n  hp_policy: vampiric\n",
		"clamp no max":     "default:\n  hp_policy: clamp\n",
		"lua no script":    "rooms:\n  r:\n    hp_policy: lua\n",
		"lua missing file": "rooms:\n  r:\n    hp_policy: lua\n    hp_script: nope.lua\n",
		"negative board":   "default:\n  board:\n    width: -1\n    height: 3\n",
		"tiny dice":        "default:\n  max_dice_sides: 1\n",
		"not yaml":         "default: [",
	}
	for name, doc := range cases {
		_, err := rules.ParseBook([]byte(doc), t.TempDir())
		assert.Error(t, err, name)
	}
}

func TestLoadBook_MissingFile(t *testing.T) {
	_, err := rules.LoadBook("/nonexistent/rules.yaml")
	assert.Error(t, err)
}

func TestBook_With(t *testing.T) {
	base := rules.NewBook(rules.Default())
	custom := rules.Default()
	custom.BoardWidth = 8
	withRoom := base.With("tiny", custom)

	assert.Equal(t, 0, base.Rooms())
	assert.Equal(t, 1, withRoom.Rooms())
	assert.Equal(t, 8, withRoom.For("tiny").BoardWidth)
	assert.Equal(t, 0, withRoom.For("other").BoardWidth)
}

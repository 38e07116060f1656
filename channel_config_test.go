package digidaq

import (
	"errors"
	"math/rand/v2"
	"slices"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func group(name, selector string, enabled bool, params ...Param) ChannelGroupSpec {
	return ChannelGroupSpec{Name: name, Selector: selector, HasSelector: true, Enabled: enabled, Params: params}
}

func TestParseChannelSelector(t *testing.T) {
	good := map[string][]int{
		"5":        {5},
		" 0 ":      {0},
		"0..3":     {0, 1, 2, 3},
		"2..2":     {2},
		"1,4,2":    {1, 4, 2},
		"1, 4, 4":  {1, 4, 4},
		"10 .. 12": {10, 11, 12},
	}
	for sel, want := range good {
		got, err := ParseChannelSelector(sel)
		if err != nil {
			t.Errorf("ParseChannelSelector(%q) returns error %v", sel, err)
			continue
		}
		if !slices.Equal(got, want) {
			t.Errorf("ParseChannelSelector(%q) returns %v, want %v", sel, got, want)
		}
	}
	for _, sel := range []string{"", "x", "3..1", "-1", "1..", "..4", "1,,2", "1.5", "0..b"} {
		if _, err := ParseChannelSelector(sel); err == nil {
			t.Errorf("ParseChannelSelector(%q) returns nil error, want error", sel)
		}
	}
}

func TestResolveScenarioA(t *testing.T) {
	plan, err := ResolveChannels(ChannelGroups{
		group("g1", "0..3", true),
		group("g2", "5", true),
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 5}, plan.Channels)
	assert.Equal(t, 5, plan.Nchan())
	i, ok := plan.Index(5)
	assert.True(t, ok)
	assert.Equal(t, 4, i)
	_, ok = plan.Index(4)
	assert.False(t, ok)
}

func TestResolveDisabledAndMalformed(t *testing.T) {
	plan, err := ResolveChannels(ChannelGroups{
		group("off", "0..7", false, Param{"dcoffset", "10"}),
		group("offbad", "7..0", false),
		group("bad", "3..1", true),
		{Name: "noselector", Enabled: true},
		group("good", "9", true, Param{"dcoffset", "20"}),
	})
	require.NoError(t, err)
	assert.Equal(t, []int{9}, plan.Channels, "disabled groups never contribute channels")
	require.Len(t, plan.Skipped, 2)
	assert.Equal(t, "bad", plan.Skipped[0].Group)
	assert.Equal(t, "noselector", plan.Skipped[1].Group)
	assert.Equal(t, []Param{{"dcoffset", "20"}}, plan.Overrides[9])
	_, ok := plan.Overrides[0]
	assert.False(t, ok)
}

func TestResolveEmpty(t *testing.T) {
	for _, groups := range []ChannelGroups{
		nil,
		{group("off", "0..3", false)},
		{group("bad", "x", true)},
	} {
		_, err := ResolveChannels(groups)
		var cerr *ConfigError
		if !errors.As(err, &cerr) {
			t.Errorf("ResolveChannels(%v) returns %v, want *ConfigError", groups, err)
		}
	}
}

func TestResolveOverlay(t *testing.T) {
	plan, err := ResolveChannels(ChannelGroups{
		group("all", "0..3", true, Param{"dcoffset", "50"}, Param{"polarity", "positive"}),
		group("two", "2", true, Param{"dcoffset", "20"}, Param{"gain", "4"}),
		group("last", "1,2", true, Param{"polarity", "negative"}),
	})
	require.NoError(t, err)
	assert.Equal(t, []Param{{"dcoffset", "50"}, {"polarity", "positive"}}, plan.Overrides[0])
	assert.Equal(t, []Param{{"dcoffset", "50"}, {"polarity", "negative"}}, plan.Overrides[1])
	assert.Equal(t, []Param{{"dcoffset", "20"}, {"polarity", "negative"}, {"gain", "4"}}, plan.Overrides[2],
		"later groups override earlier values in place")
	assert.Equal(t, []Param{{"dcoffset", "50"}, {"polarity", "positive"}}, plan.Overrides[3])
}

// The active set is the sorted, duplicate-free union of the enabled groups.
func TestResolveUnionProperty(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for trial := 0; trial < 200; trial++ {
		var groups ChannelGroups
		want := make(map[int]bool)
		ngroups := 1 + rng.IntN(5)
		for g := 0; g < ngroups; g++ {
			var sel string
			var chans []int
			switch rng.IntN(3) {
			case 0:
				c := rng.IntN(32)
				sel, chans = strconv.Itoa(c), []int{c}
			case 1:
				a := rng.IntN(32)
				b := a + rng.IntN(8)
				sel = strconv.Itoa(a) + ".." + strconv.Itoa(b)
				for c := a; c <= b; c++ {
					chans = append(chans, c)
				}
			default:
				var parts []string
				for range 1 + rng.IntN(5) {
					c := rng.IntN(32)
					parts = append(parts, strconv.Itoa(c))
					chans = append(chans, c)
				}
				sel = strings.Join(parts, ",")
			}
			enabled := rng.IntN(4) > 0
			groups = append(groups, group("g"+strconv.Itoa(g), sel, enabled))
			if enabled {
				for _, c := range chans {
					want[c] = true
				}
			}
		}
		plan, err := ResolveChannels(groups)
		if len(want) == 0 {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		var expect []int
		for c := range want {
			expect = append(expect, c)
		}
		sort.Ints(expect)
		if !slices.Equal(plan.Channels, expect) {
			t.Fatalf("trial %d: ResolveChannels returns %v, want %v", trial, plan.Channels, expect)
		}
	}
}

func TestChannelGroupsYAML(t *testing.T) {
	text := `
zeta:
  channels: "0..3"
  chenable: true
  DCOffset: 20
  polarity: Positive
alpha:
  channels: [5, 7]
  chenable: false
middle:
  channels: 9
  chenable: TRUE
  unset:
nosel:
  chenable: true
`
	var groups ChannelGroups
	require.NoError(t, yaml.Unmarshal([]byte(text), &groups))
	require.Len(t, groups, 4)
	names := []string{groups[0].Name, groups[1].Name, groups[2].Name, groups[3].Name}
	assert.Equal(t, []string{"zeta", "alpha", "middle", "nosel"}, names, "file order is kept")
	assert.Equal(t, "0..3", groups[0].Selector)
	assert.True(t, groups[0].Enabled)
	assert.Equal(t, []Param{{"dcoffset", "20"}, {"polarity", "Positive"}}, groups[0].Params)
	assert.Equal(t, "5,7", groups[1].Selector)
	assert.False(t, groups[1].Enabled)
	assert.Equal(t, "9", groups[2].Selector)
	assert.True(t, groups[2].Enabled)
	assert.Empty(t, groups[2].Params, "null parameters are skipped")
	assert.False(t, groups[3].HasSelector)

	var list ChannelGroups
	assert.Error(t, yaml.Unmarshal([]byte("- a\n- b\n"), &list), "channel_settings must be a mapping")

	for _, bad := range []string{
		"g: 3\n",
		"g:\n  channels: {first: 4}\n  chenable: true\n",
		"g:\n  channels: [[1, 2]]\n  chenable: true\n",
		"g:\n  channels: 1\n  chenable: maybe\n",
		"g:\n  channels: 1\n  gain: [1, 2]\n",
	} {
		var g ChannelGroups
		require.NoError(t, yaml.Unmarshal([]byte(bad), &g), "yaml.Unmarshal(%q)", bad)
		require.Len(t, g, 1)
		assert.Error(t, g[0].Malformed, "group decoded from %q should be malformed", bad)
	}
}

func TestResolveSkipsMalformedShapes(t *testing.T) {
	text := `
good:
  channels: "0..3"
  chenable: true
bad:
  channels: {first: 4}
  chenable: true
scalar: 7
nested:
  channels: [[5, 6]]
  chenable: true
`
	var groups ChannelGroups
	require.NoError(t, yaml.Unmarshal([]byte(text), &groups))
	require.Len(t, groups, 4)
	plan, err := ResolveChannels(groups)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, plan.Channels)
	require.Len(t, plan.Skipped, 3)
	for i, name := range []string{"bad", "scalar", "nested"} {
		assert.Equal(t, name, plan.Skipped[i].Group)
		assert.Contains(t, plan.Skipped[i].Error(), "malformed group")
	}
}

package digidaq

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Param is one device parameter setting, applied verbatim as a string.
type Param struct {
	Name  string
	Value string
}

// ChannelGroupSpec describes one named group of channels sharing settings.
type ChannelGroupSpec struct {
	Name        string
	Selector    string // "5", "0..3" or "1,4,7"
	HasSelector bool   // false if the group has no "channels" key
	Enabled     bool
	Params      []Param // in file order, excluding channels and chenable
	Malformed   error   // set if the group could not be decoded; it is skipped
}

// ChannelGroups is the ordered list of channel groups of a configuration.
// It decodes from a YAML mapping of group name to settings, keeping the
// order in which the groups appear in the file. A group with a bad shape
// is kept with its Malformed error set so that resolution can skip it.
type ChannelGroups []ChannelGroupSpec

// UnmarshalYAML implements yaml.Unmarshaler.
func (groups *ChannelGroups) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: channel_settings must be a mapping of group name to settings", value.Line)
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		name := value.Content[i].Value
		body := value.Content[i+1]
		group := ChannelGroupSpec{Name: name}
		if body.Kind != yaml.MappingNode {
			group.Malformed = fmt.Errorf("line %d: group must be a mapping", body.Line)
			*groups = append(*groups, group)
			continue
		}
		for j := 0; j+1 < len(body.Content) && group.Malformed == nil; j += 2 {
			key := strings.ToLower(body.Content[j].Value)
			val := body.Content[j+1]
			switch key {
			case "channels":
				sel, err := selectorString(val)
				if err != nil {
					group.Malformed = fmt.Errorf("line %d: %w", val.Line, err)
					continue
				}
				group.Selector = sel
				group.HasSelector = true
			case "chenable":
				var enabled bool
				if err := val.Decode(&enabled); err != nil {
					group.Malformed = fmt.Errorf("line %d: chenable must be true or false", val.Line)
					continue
				}
				group.Enabled = enabled
			default:
				if val.Kind != yaml.ScalarNode {
					group.Malformed = fmt.Errorf("line %d: parameter %q must be a scalar", val.Line, key)
					continue
				}
				if val.Tag == "!!null" {
					continue
				}
				group.Params = append(group.Params, Param{Name: key, Value: val.Value})
			}
		}
		*groups = append(*groups, group)
	}
	return nil
}

// selectorString normalizes a YAML channels value (scalar or sequence) to
// the selector string syntax.
func selectorString(node *yaml.Node) (string, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Value, nil
	case yaml.SequenceNode:
		items := make([]string, len(node.Content))
		for i, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return "", fmt.Errorf("channels list may contain only integers")
			}
			items[i] = item.Value
		}
		return strings.Join(items, ","), nil
	}
	return "", fmt.Errorf("channels must be an integer, a \"start..end\" range, or a list")
}

// ParseChannelSelector parses a channel selector: a single non-negative
// integer, an inclusive range "start..end", or a comma-separated list.
// The result is in selector order and may contain duplicates from a list.
func ParseChannelSelector(selector string) ([]int, error) {
	s := strings.TrimSpace(selector)
	if s == "" {
		return nil, fmt.Errorf("empty channel selector")
	}
	parseOne := func(text string) (int, error) {
		n, err := strconv.Atoi(strings.TrimSpace(text))
		if err != nil {
			return 0, fmt.Errorf("could not parse %q as a channel number", text)
		}
		if n < 0 {
			return 0, fmt.Errorf("channel number %d is negative", n)
		}
		return n, nil
	}

	if strings.Contains(s, "..") {
		limits := strings.Split(s, "..")
		if len(limits) != 2 {
			return nil, fmt.Errorf("invalid range %q, expected \"start..end\"", s)
		}
		start, err := parseOne(limits[0])
		if err != nil {
			return nil, err
		}
		end, err := parseOne(limits[1])
		if err != nil {
			return nil, err
		}
		if start > end {
			return nil, fmt.Errorf("invalid range %q: start is greater than end", s)
		}
		chans := make([]int, 0, end-start+1)
		for c := start; c <= end; c++ {
			chans = append(chans, c)
		}
		return chans, nil
	}

	var chans []int
	for _, item := range strings.Split(s, ",") {
		c, err := parseOne(item)
		if err != nil {
			return nil, err
		}
		chans = append(chans, c)
	}
	return chans, nil
}

// ChannelPlan is the result of resolving the channel groups: the active
// channel set and each active channel's parameter overlay.
type ChannelPlan struct {
	Channels  []int           // sorted, no duplicates
	Overrides map[int][]Param // per channel, first-seen parameter order
	Skipped   []*ConfigError  // malformed groups that were skipped
	index     map[int]int
}

// Index returns the position of channel ch in Channels.
func (p *ChannelPlan) Index(ch int) (int, bool) {
	i, ok := p.index[ch]
	return i, ok
}

// Nchan returns the number of active channels.
func (p *ChannelPlan) Nchan() int {
	return len(p.Channels)
}

// ResolveChannels turns the ordered channel groups into a ChannelPlan.
// Disabled groups contribute nothing. Malformed groups are skipped with a
// warning and recorded in the plan's Skipped list. Later groups override
// earlier ones for the same parameter on the same channel. An empty active
// channel set is a *ConfigError.
func ResolveChannels(groups ChannelGroups) (*ChannelPlan, error) {
	plan := &ChannelPlan{Overrides: make(map[int][]Param), index: make(map[int]int)}
	active := make(map[int]bool)

	for _, group := range groups {
		if group.Malformed != nil {
			cerr := &ConfigError{Group: group.Name, Reason: "malformed group", Err: group.Malformed}
			ProblemLogger.Printf("WARNING: %v. Skipping.", cerr)
			plan.Skipped = append(plan.Skipped, cerr)
			continue
		}
		if !group.HasSelector {
			cerr := &ConfigError{Group: group.Name, Reason: "'channels' key missing"}
			ProblemLogger.Printf("WARNING: %v. Skipping.", cerr)
			plan.Skipped = append(plan.Skipped, cerr)
			continue
		}
		if !group.Enabled {
			UpdateLogger.Printf("Group %q is DISABLED. Skipping channels %s.", group.Name, group.Selector)
			continue
		}
		chans, err := ParseChannelSelector(group.Selector)
		if err != nil {
			cerr := &ConfigError{Group: group.Name, Reason: "bad channel selector", Err: err}
			ProblemLogger.Printf("WARNING: %v. Skipping.", cerr)
			plan.Skipped = append(plan.Skipped, cerr)
			continue
		}
		for _, ch := range chans {
			active[ch] = true
			plan.Overrides[ch] = overlay(plan.Overrides[ch], group.Params)
		}
	}

	if len(active) == 0 {
		return nil, &ConfigError{Reason: "no enabled channels: the active channel set is empty"}
	}
	for ch := range active {
		plan.Channels = append(plan.Channels, ch)
	}
	sort.Ints(plan.Channels)
	for i, ch := range plan.Channels {
		plan.index[ch] = i
	}
	return plan, nil
}

// overlay applies params on top of base, replacing values of parameters
// already present and appending new ones.
func overlay(base []Param, params []Param) []Param {
	for _, p := range params {
		replaced := false
		for i := range base {
			if base[i].Name == p.Name {
				base[i].Value = p.Value
				replaced = true
				break
			}
		}
		if !replaced {
			base = append(base, p)
		}
	}
	return base
}

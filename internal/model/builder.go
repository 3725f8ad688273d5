package model

import (
	"crypto/sha256"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"codeberg.org/mutker/loxbridge/internal/errors"
	"codeberg.org/mutker/loxbridge/internal/logger"
	"codeberg.org/mutker/loxbridge/internal/point"
)

const applicationTag = "loxbridge"

// Types whose poll command does not return a usable value: polling a
// VIRTUALTEXTIN sets the command text as its value instead of reading one.
// Non-visible controls of these types are dropped rather than polled.
var sysBlacklist = map[string]struct{}{
	"VIRTUALTEXTIN": {},
}

// BuildConfig carries the filter configuration for one Builder.
type BuildConfig struct {
	TypeBlacklist []string
	Push          Rule
	Poll          Rule
}

// Builder parses structural documents into registries. Building is
// deterministic in the document content, so the result for the most recent
// document is memoized: rebuilds after a reconnect usually see an unchanged
// configuration.
type Builder struct {
	typeBlacklist map[string]struct{}
	push          Rule
	poll          Rule

	mu       sync.Mutex
	memoKey  [sha256.Size]byte
	memoized *Registries
}

func NewBuilder(cfg BuildConfig) *Builder {
	return &Builder{
		typeBlacklist: toUpperSet(cfg.TypeBlacklist),
		push:          cfg.Push,
		poll:          cfg.Poll,
	}
}

// Build parses the document and returns the three registries, filtered per
// the push and poll rules.
func (b *Builder) Build(document string) (*Registries, error) {
	key := sha256.Sum256([]byte(document))

	b.mu.Lock()
	if b.memoized != nil && b.memoKey == key {
		memo := b.memoized
		b.mu.Unlock()
		return memo, nil
	}
	b.mu.Unlock()

	document = repairDuplicateAttributes(stripBOM(document))

	root, err := parseDocument(document)
	if err != nil {
		return nil, err
	}

	lookup := extractRoomsAndCategories(root)
	all, visible, pollable := b.extractControls(root, lookup)
	if len(all) == 0 {
		return nil, errors.New().New(ErrEmptyDocument)
	}

	regs := &Registries{
		All:  all,
		Push: b.push.Apply(visible),
		Poll: b.poll.Apply(pollable),
	}

	logger.Info().
		Int("controls", len(regs.All)).
		Int("push_subscribed", len(regs.Push)).
		Int("poll_subscribed", len(regs.Poll)).
		Msg("Built control registries")

	b.mu.Lock()
	b.memoKey = key
	b.memoized = regs
	b.mu.Unlock()

	return regs, nil
}

// extractRoomsAndCategories maps Category/Place identifiers to display names.
func extractRoomsAndCategories(root *xmlNode) map[string]string {
	lookup := make(map[string]string)
	root.walk(func(n *xmlNode) {
		if n.XMLName.Local != "C" {
			return
		}
		if t := n.attr("Type"); t != "Category" && t != "Place" {
			return
		}
		if uid := n.attr("U"); uid != "" {
			lookup[uid] = n.attr("Title")
		}
	})

	return lookup
}

var markupPattern = regexp.MustCompile(`<[^>]*>`)

func (b *Builder) extractControls(root *xmlNode, lookup map[string]string) (all, visible, pollable Registry) {
	all = make(Registry)
	visible = make(Registry)
	pollable = make(Registry)

	// Controls referenced from a visible control's link list are implicitly
	// visible even without a visibility flag of their own.
	linked := make(map[string]struct{})

	root.walk(func(n *xmlNode) {
		if n.XMLName.Local != "C" {
			return
		}
		controlType := n.attr("Type")
		if controlType == "" {
			return
		}
		upperType := strings.ToUpper(controlType)
		if _, blacklisted := b.typeBlacklist[upperType]; blacklisted {
			return
		}
		uid := n.attr("U")
		if uid == "" {
			return
		}

		var category, room, visuRaw, visuPwdRaw string
		if iodata := n.child("IoData"); iodata != nil {
			if cr := iodata.attr("Cr"); cr != "" {
				category = lookup[cr]
			}
			if pr := iodata.attr("Pr"); pr != "" {
				room = lookup[pr]
			}
			visuRaw = iodata.attr("Visu")
			visuPwdRaw = iodata.attr("VisuPwd")
		}

		// Flags are truthy-string normalized: "false" and absent values
		// must not read as true.
		isVisu := truthy(visuRaw)
		requiresPwd := truthy(visuPwdRaw)

		if isVisu {
			if linkC := n.attr("linkC"); linkC != "" {
				for _, ref := range strings.Split(linkC, ",") {
					linked[ref] = struct{}{}
				}
			}
		}

		var unit string
		if display := n.child("Display"); display != nil {
			unit = strings.TrimSpace(markupPattern.ReplaceAllString(display.attr("Unit"), ""))
		}

		analog := n.attr("Analog") == "true"
		statsType, _ := strconv.Atoi(n.attr("StatsType"))
		title := n.attr("Title")

		base := point.New(title).
			Tag("name", title).
			Tag("description", n.attr("Desc")).
			Tag("uuid", uid).
			Tag("statstype", strconv.Itoa(statsType)).
			Tag("analog", boolTag(analog)).
			Tag("type", controlType).
			Tag("unit", unit).
			Tag("category", category).
			Tag("room", room).
			Tag("visu", visuRaw).
			Tag("application", applicationTag)

		ctrl := &Control{
			UUID:     uid,
			Type:     upperType,
			FieldKey: "Default",
			Template: base.Clone().Tag("source", "websocket").Prefix("Default"),
			Builder:  base.Clone(),
			Visu:     isVisu,
			VisuPwd:  requiresPwd,
		}
		all[uid] = ctrl

		switch {
		case isVisu:
			visible[uid] = ctrl
		default:
			if _, unsafe := sysBlacklist[upperType]; unsafe {
				logger.Warn().
					Str("uuid", uid).
					Str("type", controlType).
					Msg("Skipping control: type cannot be polled")
				break
			}
			pollable[uid] = ctrl
		}

		for i := range n.Children {
			co := &n.Children[i]
			if co.XMLName.Local != "Co" {
				continue
			}
			subUID := co.attr("U")
			if subUID == "" {
				continue
			}
			fieldKey := co.attr("K")

			sub := &Control{
				UUID:       subUID,
				Type:       upperType,
				FieldKey:   fieldKey,
				Template:   base.Clone().Tag("subuuid", subUID).Tag("source", "websocket").Prefix(fieldKey),
				Builder:    base.Clone().Tag("subuuid", subUID),
				Visu:       isVisu,
				VisuPwd:    requiresPwd,
				ParentUUID: uid,
			}
			all[subUID] = sub
			if isVisu {
				visible[subUID] = sub
			}
		}
	})

	// Linked controls move from the poll-eligible to the push-eligible set
	// once the whole document has been seen.
	for uid := range linked {
		if ctrl, ok := pollable[uid]; ok {
			ctrl.Visu = true
			visible[uid] = ctrl
			delete(pollable, uid)
		}
	}

	return all, visible, pollable
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func boolTag(b bool) string {
	if b {
		return "1"
	}

	return "0"
}

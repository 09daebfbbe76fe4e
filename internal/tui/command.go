package tui

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tatianab/worldcore/internal/models"
	"github.com/tatianab/worldcore/internal/rumor"
	"github.com/tatianab/worldcore/internal/world"
	"github.com/tatianab/worldcore/internal/worldstate"
)

var errQuit = errors.New("quit")

const helpText = `Commands:
  /set key value [category] [region]   /get key   /del key   /keys [prefix]
  /rumor entity content...             /rumors [text]
  /spread n from to [modifier]         /mutate n entity [content...]
  /believe n entity delta              /heard entity
  /decay [rate]   /tick [n]   /stats   /help   /quit
Rumors are referenced by their number in /rumors or an id prefix.`

// Command is one parsed input line.
type Command struct {
	Name string
	Args []string
}

// Parse splits a command line. Double quotes group words into one argument.
func Parse(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return Command{}, fmt.Errorf("commands start with /, try /help")
	}
	args, err := splitArgs(line[1:])
	if err != nil {
		return Command{}, err
	}
	if len(args) == 0 {
		return Command{}, fmt.Errorf("empty command")
	}
	return Command{Name: strings.ToLower(args[0]), Args: args[1:]}, nil
}

func splitArgs(s string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inQuote bool
		started bool
	)
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			started = true
		case r == ' ' && !inQuote:
			if started {
				args = append(args, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteRune(r)
			started = true
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quote")
	}
	if started {
		args = append(args, cur.String())
	}
	return args, nil
}

// parseValue reads a scalar the way a YAML document would: numbers, bools and
// null become typed values, anything else stays a string.
func parseValue(raw string) any {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		return raw
	}
	switch v.(type) {
	case int, float64, bool, string:
		return v
	default:
		return raw
	}
}

// Execute runs one command against w and returns what to print.
func Execute(ctx context.Context, w *world.World, line string) (string, error) {
	cmd, err := Parse(line)
	if err != nil {
		return "", err
	}
	need := func(n int, usage string) error {
		if len(cmd.Args) < n {
			return fmt.Errorf("usage: /%s %s", cmd.Name, usage)
		}
		return nil
	}

	switch cmd.Name {
	case "quit", "exit":
		return "", errQuit

	case "help":
		return helpText, nil

	case "set":
		if err := need(2, "key value [category] [region]"); err != nil {
			return "", err
		}
		meta := worldstate.Meta{Reason: "inspector"}
		if len(cmd.Args) > 2 {
			if meta.Category, err = models.ParseCategory(cmd.Args[2]); err != nil {
				return "", err
			}
		}
		if len(cmd.Args) > 3 {
			if meta.Region, err = models.ParseRegion(cmd.Args[3]); err != nil {
				return "", err
			}
		}
		value := parseValue(cmd.Args[1])
		if err := w.State.Set(ctx, cmd.Args[0], value, meta); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s = %v", cmd.Args[0], value), nil

	case "get":
		if err := need(1, "key"); err != nil {
			return "", err
		}
		md, ok := w.State.Metadata(cmd.Args[0])
		if !ok {
			return fmt.Sprintf("%s is not set", cmd.Args[0]), nil
		}
		return fmt.Sprintf("%s = %v  [%s/%s, %d versions, updated %s]",
			md.Key, w.State.Get(md.Key, nil), md.Category, md.Region, md.Versions,
			md.UpdatedAt.Format("15:04:05")), nil

	case "del":
		if err := need(1, "key"); err != nil {
			return "", err
		}
		if !w.State.Delete(ctx, cmd.Args[0], "inspector", "") {
			return fmt.Sprintf("%s is not set", cmd.Args[0]), nil
		}
		return fmt.Sprintf("deleted %s", cmd.Args[0]), nil

	case "keys":
		prefix := ""
		if len(cmd.Args) > 0 {
			prefix = cmd.Args[0]
		}
		vals := w.State.Query(worldstate.Filter{Prefix: prefix})
		if len(vals) == 0 {
			return "(no keys)", nil
		}
		var b strings.Builder
		for _, k := range w.State.Keys() {
			if v, ok := vals[k]; ok {
				fmt.Fprintf(&b, "%s = %v\n", k, v)
			}
		}
		return strings.TrimRight(b.String(), "\n"), nil

	case "rumor":
		if err := need(2, "entity content..."); err != nil {
			return "", err
		}
		r, err := w.Rumors.Create(ctx, rumor.CreateRequest{
			Originator: cmd.Args[0],
			Content:    strings.Join(cmd.Args[1:], " "),
			Severity:   models.SeverityMinor,
			TruthValue: 0.5,
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("rumor %s started by %s", shortID(r.ID), r.OriginatorID), nil

	case "rumors":
		text := strings.Join(cmd.Args, " ")
		list := w.Rumors.Query(ctx, rumor.QueryFilter{Text: text, Limit: 1000})
		if len(list) == 0 {
			return "(no rumors)", nil
		}
		var b strings.Builder
		for i, r := range list {
			fmt.Fprintf(&b, "%d. [%s] %s  (%s, known by %d)\n", i+1, shortID(r.ID),
				r.OriginalContent, r.Severity, len(r.Entities()))
		}
		return strings.TrimRight(b.String(), "\n"), nil

	case "spread":
		if err := need(3, "n from to [modifier]"); err != nil {
			return "", err
		}
		id, err := resolveRumor(ctx, w, cmd.Args[0])
		if err != nil {
			return "", err
		}
		mod := 0.0
		if len(cmd.Args) > 3 {
			if mod, err = strconv.ParseFloat(cmd.Args[3], 64); err != nil {
				return "", fmt.Errorf("modifier: %w", err)
			}
		}
		ok := w.Rumors.Spread(ctx, rumor.SpreadRequest{
			RumorID:               id,
			From:                  cmd.Args[1],
			To:                    cmd.Args[2],
			BelievabilityModifier: mod,
			Mutate:                true,
		})
		if !ok {
			return "", fmt.Errorf("%s has not heard that rumor", cmd.Args[1])
		}
		return fmt.Sprintf("%s told %s", cmd.Args[1], cmd.Args[2]), nil

	case "mutate":
		if err := need(2, "n entity [content...]"); err != nil {
			return "", err
		}
		id, err := resolveRumor(ctx, w, cmd.Args[0])
		if err != nil {
			return "", err
		}
		v, ok := w.Rumors.Mutate(ctx, rumor.MutateRequest{
			RumorID:    id,
			EntityID:   cmd.Args[1],
			NewContent: strings.Join(cmd.Args[2:], " "),
		})
		if !ok {
			return "", fmt.Errorf("%s has no version of that rumor to retell", cmd.Args[1])
		}
		return fmt.Sprintf("new variant (%s): %s", v.Metadata["strategy"], v.Content), nil

	case "believe":
		if err := need(3, "n entity delta"); err != nil {
			return "", err
		}
		id, err := resolveRumor(ctx, w, cmd.Args[0])
		if err != nil {
			return "", err
		}
		delta, err := strconv.ParseFloat(cmd.Args[2], 64)
		if err != nil {
			return "", fmt.Errorf("delta: %w", err)
		}
		if !w.Rumors.UpdateBelievability(ctx, id, cmd.Args[1], delta) {
			return "", fmt.Errorf("%s has not heard that rumor", cmd.Args[1])
		}
		return fmt.Sprintf("%s's belief changed by %+.2f", cmd.Args[1], delta), nil

	case "heard":
		if err := need(1, "entity"); err != nil {
			return "", err
		}
		list := w.Rumors.ForEntity(ctx, cmd.Args[0], rumor.EntityFilter{})
		if len(list) == 0 {
			return fmt.Sprintf("%s has heard nothing", cmd.Args[0]), nil
		}
		var b strings.Builder
		for _, er := range list {
			fmt.Fprintf(&b, "%.2f  %s\n", er.Believability, er.Content)
		}
		return strings.TrimRight(b.String(), "\n"), nil

	case "decay":
		opts := rumor.DecayOptions{}
		if len(cmd.Args) > 0 {
			if opts.Rate, err = strconv.ParseFloat(cmd.Args[0], 64); err != nil {
				return "", fmt.Errorf("rate: %w", err)
			}
		}
		return fmt.Sprintf("%d beliefs faded", w.Rumors.Decay(ctx, opts)), nil

	case "tick":
		n := 1
		if len(cmd.Args) > 0 {
			if n, err = strconv.Atoi(cmd.Args[0]); err != nil || n < 1 {
				return "", fmt.Errorf("tick count must be a positive number")
			}
		}
		if err := w.Advance(ctx, n); err != nil {
			return "", err
		}
		return fmt.Sprintf("tick %d", w.Tick()), nil

	case "stats":
		st := w.Rumors.Statistics(ctx)
		return fmt.Sprintf("tick %d, %d keys, %d rumors, %d variants, %d entities, avg belief %.2f, unsaved %d",
			w.Tick(), len(w.State.Keys()), st.Rumors, st.Variants, st.Entities, st.AverageBelief, st.Unsaved), nil

	default:
		return "", fmt.Errorf("unknown command /%s, try /help", cmd.Name)
	}
}

// resolveRumor accepts a 1-based position from /rumors or an id prefix.
func resolveRumor(ctx context.Context, w *world.World, ref string) (string, error) {
	list := w.Rumors.Query(ctx, rumor.QueryFilter{Limit: 1000})
	if n, err := strconv.Atoi(ref); err == nil {
		if n < 1 || n > len(list) {
			return "", fmt.Errorf("no rumor number %d", n)
		}
		return list[n-1].ID, nil
	}
	i := slices.IndexFunc(list, func(r *models.Rumor) bool { return strings.HasPrefix(r.ID, ref) })
	if i < 0 {
		return "", fmt.Errorf("no rumor matches %q", ref)
	}
	return list[i].ID, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

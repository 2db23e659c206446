package heartbeat

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

func (k SpecKind) String() string {
	if k == SpecInterval {
		return "interval"
	}
	return "cron"
}

// Spec is a parsed schedule string.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "*/10 * * * * *", "@hourly", "@every 30s"
//   - Interval duration: "30s", "2h30m"
//   - Interval HH:MM: "00:05" (5 minutes)
//
// "cron:" forces cron parsing; "interval:" and "every:" force interval parsing.
type Spec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSpec classifies raw without validating cron syntax; Schedule does that.
func ParseSpec(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Spec{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return Spec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
	case strings.HasPrefix(low, "interval:"):
		return intervalSpec(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return intervalSpec(s[len("every:"):])
	}

	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return Spec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}
	if sp, err := intervalSpec(s); err == nil {
		return sp, nil
	}
	return Spec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '00:05', or duration like '30s')",
		raw,
	)
}

// Schedule turns the spec into a cron.Schedule. Intervals below one second
// are rounded up by cron.Every.
func (sp Spec) Schedule() (cron.Schedule, error) {
	if sp.Kind == SpecInterval {
		return cron.Every(sp.Every), nil
	}
	sched, err := cronParser.Parse(sp.Cron)
	if err != nil {
		return nil, fmt.Errorf("invalid cron %q: %w", sp.Cron, err)
	}
	return sched, nil
}

func intervalSpec(v string) (Spec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Spec{}, fmt.Errorf("interval required")
	}
	src := "duration"
	var (
		d   time.Duration
		err error
	)
	if reHHMM.MatchString(v) {
		src = "hhmm"
		d, err = parseHHMM(v)
	} else {
		d, err = time.ParseDuration(v)
		if err != nil {
			err = fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '30s')", v)
		}
	}
	if err != nil {
		return Spec{}, err
	}
	if d <= 0 {
		return Spec{}, fmt.Errorf("interval must be > 0")
	}
	return Spec{Kind: SpecInterval, Every: d, Source: src}, nil
}

func parseHHMM(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
}

package reconcile

import (
	"net/url"
	"strings"
)

// MergeAttribution resolves each tracking field independently: the winning
// event's explicit fields first, then the secondary tracking record, then
// values derived from the raw composite strings. First non-blank value wins
// per field, so a missing field on a better source never blanks out a value
// available from a worse one.
func MergeAttribution(winner *RawEvent, tracking *TrackingRecord) Attribution {
	sources := make([]Attribution, 0, 4)
	sources = append(sources, winner.Attribution)
	if tracking != nil {
		sources = append(sources, tracking.Attribution)
	}
	if winner.AttributionRaw != "" {
		sources = append(sources, ParseComposite(winner.AttributionRaw))
	}
	if tracking != nil && tracking.Raw != "" {
		sources = append(sources, ParseComposite(tracking.Raw))
	}

	var out Attribution
	out.Source = firstNonBlank(sources, func(a Attribution) string { return a.Source })
	out.Campaign = firstNonBlank(sources, func(a Attribution) string { return a.Campaign })
	out.AdSet = firstNonBlank(sources, func(a Attribution) string { return a.AdSet })
	out.Ad = firstNonBlank(sources, func(a Attribution) string { return a.Ad })
	out.Placement = firstNonBlank(sources, func(a Attribution) string { return a.Placement })
	out.Creative = firstNonBlank(sources, func(a Attribution) string { return a.Creative })
	out.Medium = firstNonBlank(sources, func(a Attribution) string { return a.Medium })
	return out
}

func firstNonBlank(sources []Attribution, get func(Attribution) string) string {
	for _, s := range sources {
		if v := strings.TrimSpace(get(s)); v != "" {
			return v
		}
	}
	return ""
}

// ParseComposite derives attribution fields from a raw composite tracking
// string. Two formats are recognized: UTM query strings
// ("utm_source=fb&utm_campaign=launch") and the pipe-delimited form
// "source|campaign|adset|ad|placement|creative". Anything else yields an
// empty attribution.
func ParseComposite(raw string) Attribution {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "?"))
	if raw == "" {
		return Attribution{}
	}

	if strings.Contains(raw, "=") {
		return parseUTMQuery(raw)
	}
	return parsePipes(raw)
}

func parseUTMQuery(raw string) Attribution {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return Attribution{}
	}
	return Attribution{
		Source:   strings.TrimSpace(values.Get("utm_source")),
		Campaign: strings.TrimSpace(values.Get("utm_campaign")),
		Medium:   strings.TrimSpace(values.Get("utm_medium")),
		Ad:       strings.TrimSpace(values.Get("utm_term")),
		Creative: strings.TrimSpace(values.Get("utm_content")),
	}
}

func parsePipes(raw string) Attribution {
	parts := strings.Split(raw, "|")
	get := func(i int) string {
		if i < len(parts) {
			return strings.TrimSpace(parts[i])
		}
		return ""
	}
	return Attribution{
		Source:    get(0),
		Campaign:  get(1),
		AdSet:     get(2),
		Ad:        get(3),
		Placement: get(4),
		Creative:  get(5),
	}
}

package source

import (
	"strings"
	_ "time/tzdata"

	"github.com/emersion/go-ical"
)

// Outlook and Teams write Windows zone names into TZID; Go only loads IANA
// names.
var windowsToIANA = map[string]string{
	"Pacific Standard Time":          "America/Los_Angeles",
	"Mountain Standard Time":         "America/Denver",
	"US Mountain Standard Time":      "America/Phoenix",
	"Central Standard Time":          "America/Chicago",
	"Eastern Standard Time":          "America/New_York",
	"Atlantic Standard Time":         "America/Halifax",
	"Alaskan Standard Time":          "America/Anchorage",
	"Hawaiian Standard Time":         "Pacific/Honolulu",
	"E. South America Standard Time": "America/Sao_Paulo",
	"UTC":                            "UTC",
	"GMT Standard Time":              "Europe/London",
	"W. Europe Standard Time":        "Europe/Berlin",
	"Romance Standard Time":          "Europe/Paris",
	"Central Europe Standard Time":   "Europe/Budapest",
	"Central European Standard Time": "Europe/Warsaw",
	"FLE Standard Time":              "Europe/Kiev",
	"GTB Standard Time":              "Europe/Bucharest",
	"Russian Standard Time":          "Europe/Moscow",
	"Israel Standard Time":           "Asia/Jerusalem",
	"Arabian Standard Time":          "Asia/Dubai",
	"India Standard Time":            "Asia/Kolkata",
	"SE Asia Standard Time":          "Asia/Bangkok",
	"Singapore Standard Time":        "Asia/Singapore",
	"China Standard Time":            "Asia/Shanghai",
	"Tokyo Standard Time":            "Asia/Tokyo",
	"Korea Standard Time":            "Asia/Seoul",
	"AUS Eastern Standard Time":      "Australia/Sydney",
	"New Zealand Standard Time":      "Pacific/Auckland",
}

var zonedProps = []string{
	ical.PropDateTimeStart,
	ical.PropDateTimeEnd,
	ical.PropRecurrenceID,
}

// normalizeComponentTimezones rewrites Windows TZIDs on the date-time
// properties of comp to their IANA names.
func normalizeComponentTimezones(comp *ical.Component) {
	for _, name := range zonedProps {
		for i := range comp.Props[name] {
			prop := &comp.Props[name][i]
			tzid := strings.TrimSpace(prop.Params.Get(ical.ParamTimezoneID))
			if tzid == "" {
				continue
			}
			if iana, ok := windowsToIANA[tzid]; ok {
				prop.Params.Set(ical.ParamTimezoneID, iana)
			}
		}
	}
}

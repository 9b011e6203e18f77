package main

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var emojiPattern = regexp.MustCompile(`:([^ /<>:]+):(?::skin-tone-([0-9]):)?`)

// Slack emoji names that go by a different name on Discord. Dashes are
// converted to underscores before this map is consulted.
var emojiRenames = map[string]string{
	"thumbsup_all":         "thumbsup",
	"facepunch":            "punch",
	"the_horns":            "sign_of_the_horns",
	"simple_smile":         "slightly_smiling_face",
	"clinking_glasses":     "champagne_glass",
	"tornado":              "cloud_with_tornado",
	"car":                  "red_car",
	"us":                   "flag_us",
	"snow_cloud":           "cloud_with_snow",
	"snowman":              "snowman2",
	"snowman_without_snow": "snowman",
	"crossed_fingers":      "fingers_crossed",
	"hocho":                "knife",
	"waving_black_flag":    "flag_black",
	"waving_white_flag":    "flag_white",
	"woman_heart_man":      "couple_with_heart_woman_man",
	"man_heart_man":        "couple_with_heart_mm",
	"woman_heart_woman":    "couple_with_heart_ww",
	"man_kiss_man":         "couplekiss_mm",
	"woman_kiss_woman":     "couplekiss_ww",
}

// emojiReplace rewrites Slack-style :emoji: codes in s to their Discord
// equivalents. Names found in customEmoji (the target guild's custom emoji,
// keyed by name) are replaced with their full mention form and can't carry
// skin tones.
func emojiReplace(s string, customEmoji map[string]string) string {
	return emojiPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := emojiPattern.FindStringSubmatch(match)
		name, tone := groups[1], groups[2]

		if repl, ok := customEmoji[name]; ok {
			return repl
		}

		// Slack emoji names mix dashes and underscores, Discord only uses
		// underscores. Keep the first char so things like :-1: survive.
		if len(name) > 1 && strings.Contains(name[1:], "-") {
			name = name[:1] + strings.ReplaceAll(name[1:], "-", "_")
		}

		if renamed, ok := emojiRenames[name]; ok {
			name = renamed
		}

		// Slack skin tones are 2-6, Discord's are 1-5
		if tone != "" {
			n, err := strconv.Atoi(tone)
			if err == nil {
				return fmt.Sprintf(":%s_tone%d:", name, n-1)
			}
		}
		return ":" + name + ":"
	})
}

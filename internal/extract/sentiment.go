package extract

import (
	"strings"
	"unicode"

	"github.com/sells-group/visibility-cli/internal/model"
)

var positiveTerms = map[string]bool{
	"best": true, "leading": true, "excellent": true, "great": true, "recommended": true,
	"recommend": true, "popular": true, "reliable": true, "top": true, "strong": true,
	"trusted": true, "innovative": true, "easy": true, "powerful": true, "favorite": true,
	"robust": true, "affordable": true, "love": true, "outstanding": true, "praised": true,
	"intuitive": true, "standout": true, "superior": true, "secure": true, "efficient": true,
}

var negativeTerms = map[string]bool{
	"worst": true, "poor": true, "expensive": true, "lacks": true, "limited": true,
	"complaints": true, "issues": true, "bad": true, "slow": true, "difficult": true,
	"outdated": true, "unreliable": true, "criticized": true, "buggy": true, "weak": true,
	"lawsuit": true, "breach": true, "avoid": true, "overpriced": true, "confusing": true,
	"clunky": true, "drawbacks": true, "downside": true, "problems": true, "frustrating": true,
}

var negators = map[string]bool{
	"not": true, "no": true, "never": true, "isn't": true, "aren't": true, "doesn't": true,
	"don't": true, "without": true, "hardly": true,
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// sentimentScore returns positive minus negative term hits. A negator within
// the two preceding words flips a hit.
func sentimentScore(text string) int {
	ws := words(text)
	score := 0
	for i, w := range ws {
		var s int
		switch {
		case positiveTerms[w]:
			s = 1
		case negativeTerms[w]:
			s = -1
		default:
			continue
		}
		for j := i - 1; j >= 0 && j >= i-2; j-- {
			if negators[ws[j]] {
				s = -s
				break
			}
		}
		score += s
	}
	return score
}

// ScoreSentiment classifies text with a small lexicon.
func ScoreSentiment(text string) model.Sentiment {
	switch s := sentimentScore(text); {
	case s > 0:
		return model.SentimentPositive
	case s < 0:
		return model.SentimentNegative
	default:
		return model.SentimentNeutral
	}
}

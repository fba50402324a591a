package attendance

import (
	"fmt"
	"math"
)

// Flag rule names, used as metric labels.
const (
	RuleLocationRadius = "location_radius"
	RuleFaceConfidence = "face_confidence"
)

// MinFaceMatchConfidence is the lowest confidence that raises no flag.
const MinFaceMatchConfidence = 90.0

type flag struct {
	rule    string
	message string
}

func evaluateRules(distance *float64, confidence float64, task *Task) []flag {
	flags := make([]flag, 0, 2)
	if distance != nil {
		radius := task.radius()
		if *distance > float64(radius) {
			flags = append(flags, flag{
				rule:    RuleLocationRadius,
				message: fmt.Sprintf("Location outside task radius (%dm > %dm)", int64(math.Round(*distance)), radius),
			})
		}
	}
	if confidence < MinFaceMatchConfidence {
		flags = append(flags, flag{
			rule:    RuleFaceConfidence,
			// ties round up, matching how the clients display the score
			message: fmt.Sprintf("Low face match confidence (%.1f%%)", math.Round(confidence*10)/10),
		})
	}
	return flags
}

// EvaluateFlags lists every policy issue for the given distance (nil when the
// task has no site) and confidence. The result is never nil.
func EvaluateFlags(distance *float64, confidence float64, task *Task) []string {
	rules := evaluateRules(distance, confidence, task)
	out := make([]string, 0, len(rules))
	for _, f := range rules {
		out = append(out, f.message)
	}
	return out
}

// DecideStatus maps the number of flags and the task strictness to the initial
// record status. Policy never rejects; it only escalates to review.
func DecideStatus(flagCount int, strictness Strictness) Status {
	if flagCount <= 0 {
		return StatusAutoApproved
	}
	switch strictness {
	case StrictnessRelaxed:
		return StatusAutoApproved
	case StrictnessStrict:
		return StatusPending
	default:
		if flagCount > 1 {
			return StatusPending
		}
		return StatusAutoApproved
	}
}

package cache

import (
	"fmt"
	"strings"
	"time"

	"manuscripthub/pkg/domain"
)

const (
	TTLUser            = time.Hour
	TTLSubscription    = time.Hour
	TTLManuscript      = 15 * time.Minute
	TTLManuscriptList  = 5 * time.Minute
	TTLManuscriptStats = 5 * time.Minute
	TTLAnalysis        = 24 * time.Hour
	TTLAnalysisStatus  = time.Hour
	TTLAdminStats      = 5 * time.Minute
	TTLCost            = 45 * 24 * time.Hour
	allFilter          = "all"
	firstListPage      = 1
)

func UserKey(id string) string { return "user:" + id }

func SubscriptionKey(id string) string { return "user:" + id + ":subscription" }

func ManuscriptKey(id string) string { return "manuscript:" + id }

// ManuscriptListKey addresses one page of a filtered listing. Empty
// filters are spelled "all".
func ManuscriptListKey(userID, status, genre string, page int) string {
	return fmt.Sprintf("manuscripts:%s:%s:%s:p%d", userID, filter(status), filter(genre), page)
}

func ManuscriptStatsKey(userID string) string { return "manuscript-stats:" + userID }

func AnalysisStatusKey(reportID string) string { return "analysis-status:" + reportID }

func AnalysisKey(blobKey string, stage domain.Stage) string {
	return "analysis:" + blobKey + ":" + string(stage)
}

func AdminStatsKey() string { return "admin:stats" }

// CostKey buckets token usage per calendar month (UTC).
func CostKey(userID string, at time.Time) string {
	return "cost:" + userID + ":" + at.UTC().Format("2006-01")
}

func filter(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return allFilter
	}
	return v
}

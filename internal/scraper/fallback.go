package scraper

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// fallbackProfile 是来源不可用时的占位数据模板。
// 站点封禁或改版导致零产出时，流水线靠这些数据保持运转，前端也不至于空白
type fallbackProfile struct {
	TitlePrefix string
	SummaryFmt  string // %s 处填小写话题
	URLBase     string
	Topics      []string
}

var fallbackProfiles = map[string]fallbackProfile{
	SourceBBC: {
		TitlePrefix: "BBC News: ",
		SummaryFmt:  "Comprehensive coverage of %s. This developing story continues to unfold with significant implications for the future. Our correspondents provide in-depth analysis and expert commentary on this important matter.",
		URLBase:     "https://www.bbc.com/news",
		Topics: []string{
			"Breaking: Major Political Development Shakes Government",
			"Technology Giants Face New Regulatory Challenges",
			"Climate Change Summit Reaches Historic Agreement",
			"Economic Markets Show Unprecedented Growth",
			"Healthcare Breakthrough Offers New Hope",
			"International Relations Shift in Global Politics",
			"Scientific Discovery Changes Understanding",
			"Cultural Movement Gains Worldwide Attention",
			"Sports Championship Delivers Thrilling Results",
			"Education Reform Promises Better Future",
		},
	},
	SourceCNN: {
		TitlePrefix: "CNN Breaking: ",
		SummaryFmt:  "Latest developments in %s. Our team of reporters brings you comprehensive coverage with live updates, expert analysis, and exclusive interviews. Stay informed with CNN's continuous coverage of this developing story.",
		URLBase:     "https://edition.cnn.com/news",
		Topics: []string{
			"Breaking News: Global Summit Addresses Crisis",
			"Investigation Reveals Corporate Misconduct",
			"Weather Alert: Severe Conditions Expected",
			"Election Update: Candidates Make Final Push",
			"Health Alert: New Variant Detected",
			"Business Report: Markets React to Policy",
			"World News: International Tensions Rise",
			"Tech Update: Innovation Changes Industry",
			"Social Issues: Community Responds to Challenge",
			"Entertainment: Celebrity News Makes Headlines",
		},
	},
}

// 新接入的来源还没配专属模板时用的通用话题
var genericTopics = []string{
	"Top Headlines: Major Story Develops",
	"Regional Update: Local Authorities Respond",
	"Market Watch: Investors Track Key Numbers",
	"Science Desk: Researchers Publish Findings",
	"Policy Brief: Lawmakers Debate Proposal",
	"Global Report: Leaders Meet for Talks",
	"Technology Review: New Product Draws Attention",
	"Culture Notes: Exhibition Opens to Public",
	"Sports Recap: Season Reaches Turning Point",
	"Community Focus: Volunteers Drive Initiative",
}

// fallbackCandidates 生成 10 条占位候选，全部打上 Synthetic 标记并记录退回原因
func (s *SiteScraper) fallbackCandidates(reason string) []Candidate {
	prof, ok := fallbackProfiles[s.cfg.Source]
	if !ok {
		prof = fallbackProfile{
			TitlePrefix: s.cfg.Source + ": ",
			SummaryFmt:  "Placeholder coverage of %s while the source is unavailable. Content will refresh automatically once scraping recovers.",
			URLBase:     s.cfg.BaseURL,
			Topics:      genericTopics,
		}
	}

	now := s.now()
	out := make([]Candidate, 0, len(prof.Topics))
	for _, topic := range prof.Topics {
		out = append(out, Candidate{
			Title:       prof.TitlePrefix + topic,
			Summary:     fmt.Sprintf(prof.SummaryFmt, strings.ToLower(topic)),
			URL:         fmt.Sprintf("%s/article-%d", prof.URLBase, 10000+rand.Intn(90000)),
			Source:      s.cfg.Source,
			PublishedAt: now.Add(-time.Duration(1+rand.Intn(48)) * time.Hour),
			Synthetic:   true,
			Extra: map[string]any{
				"fallback_reason": reason,
			},
		})
	}
	return out
}

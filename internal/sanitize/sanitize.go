// Package sanitize provides HTML sanitization for user-generated content.
// Uses bluemonday to strip dangerous HTML (script tags, event handlers,
// javascript: URLs). Chapter bodies keep safe formatting tags; comments are
// reduced to plain text.
package sanitize

import (
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	chapterPolicy *bluemonday.Policy
	plainPolicy   *bluemonday.Policy
	policyOnce    sync.Once
)

// initPolicies builds the shared policies once, on first use.
func initPolicies() {
	policyOnce.Do(func() {
		// Chapters come from the curation pipeline as lightly formatted HTML
		// (paragraphs, emphasis, headings). UGCPolicy covers that set while
		// stripping scripts, iframes, and event handlers.
		chapterPolicy = bluemonday.UGCPolicy()

		// Comments are rendered as text; anything tag-shaped is dropped.
		plainPolicy = bluemonday.StrictPolicy()
	})
}

// Chapter sanitizes a chapter body before it is stored. The output is safe
// for rendering in the reader clients via innerHTML.
func Chapter(input string) string {
	if input == "" {
		return ""
	}
	initPolicies()
	return chapterPolicy.Sanitize(input)
}

// Comment reduces comment content to plain text and trims surrounding
// whitespace left behind by stripped tags.
func Comment(input string) string {
	if input == "" {
		return ""
	}
	initPolicies()
	return strings.TrimSpace(plainPolicy.Sanitize(input))
}

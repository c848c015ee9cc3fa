package forum

import (
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/PuerkitoBio/goquery"
)

var (
	spaceExpr     = regexp.MustCompile(`\s+`)
	blankRunsExpr = regexp.MustCompile(`\n{3,}`)
)

// plainText flattens rendered post HTML, keeping link targets so ids that
// only appear inside hrefs are still visible.
func plainText(cooked string) (string, error) {
	if strings.TrimSpace(cooked) == "" {
		return "", nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(cooked))
	if err != nil {
		return "", err
	}
	doc.Find("script, style").Remove()

	parts := []string{doc.Text()}
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		if href, ok := a.Attr("href"); ok {
			parts = append(parts, href)
		}
	})
	return strings.TrimSpace(spaceExpr.ReplaceAllString(strings.Join(parts, " "), " ")), nil
}

type converter struct {
	md *md.Converter
}

func newConverter() *converter {
	c := md.NewConverter("", true, nil)
	c.Use(plugin.GitHubFlavored())
	return &converter{md: c}
}

func (c *converter) convert(cooked string) (string, error) {
	if strings.TrimSpace(cooked) == "" {
		return "", nil
	}
	out, err := c.md.ConvertString(cooked)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(blankRunsExpr.ReplaceAllString(out, "\n\n")), nil
}

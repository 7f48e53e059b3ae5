package phase

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	Outline = "outline"
	Expand  = "expand"
	SEO     = "seo"
	AltText = "alt-text"
)

// DefaultPhases is the pipeline used when a caller does not name one.
var DefaultPhases = []string{Outline, Expand, SEO, AltText}

type OutlineResult struct {
	Title    string   `json:"title"`
	Sections []string `json:"sections"`
}

type DraftResult struct {
	Title     string `json:"title"`
	HTML      string `json:"html"`
	WordCount int    `json:"word_count"`
}

type SEOResult struct {
	MetaTitle       string   `json:"meta_title"`
	MetaDescription string   `json:"meta_description"`
	Slug            string   `json:"slug"`
	Keywords        []string `json:"keywords"`
}

type ImageAlt struct {
	Src string `json:"src"`
	Alt string `json:"alt"`
}

type AltTextResult struct {
	Images []ImageAlt `json:"images"`
	HTML   string     `json:"html"`
}

// NewBuiltin returns a registry of deterministic builders. They need no
// network access and always produce the same output for the same topic.
func NewBuiltin() *Registry {
	r := NewRegistry()
	r.Register(Outline, Func(buildOutline))
	r.Register(Expand, Func(buildDraft))
	r.Register(SEO, Func(buildSEO))
	r.Register(AltText, Func(buildAltText))
	return r
}

var sectionTemplates = []string{
	"What is %s",
	"History and origins of %s",
	"Everyday care for %s",
	"Common questions about %s",
	"Final thoughts",
}

func buildOutline(ctx context.Context, in Input, progress ProgressFunc) (json.RawMessage, error) {
	topic := strings.TrimSpace(in.Topic)
	out := OutlineResult{Title: topic}
	for i, tpl := range sectionTemplates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if strings.Contains(tpl, "%s") {
			out.Sections = append(out.Sections, fmt.Sprintf(tpl, topic))
		} else {
			out.Sections = append(out.Sections, tpl)
		}
		progress((i + 1) * 100 / len(sectionTemplates))
	}
	return json.Marshal(out)
}

func outlineFor(in Input) (OutlineResult, error) {
	raw, ok := in.Find(Outline)
	if !ok {
		var fallback OutlineResult
		data, err := buildOutline(context.Background(), Input{Topic: in.Topic}, func(int) {})
		if err != nil {
			return fallback, err
		}
		err = json.Unmarshal(data, &fallback)
		return fallback, err
	}
	var out OutlineResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode outline: %w", err)
	}
	return out, nil
}

func buildDraft(ctx context.Context, in Input, progress ProgressFunc) (json.RawMessage, error) {
	outline, err := outlineFor(in)
	if err != nil {
		return nil, err
	}
	slug := Slugify(in.Topic)
	var b strings.Builder
	b.WriteString("<article>")
	fmt.Fprintf(&b, "<h1>%s</h1>", html.EscapeString(outline.Title))
	fmt.Fprintf(&b, `<img src="/images/%s/cover.jpg">`, slug)
	for i, section := range outline.Sections {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, "<h2>%s</h2>", html.EscapeString(section))
		if i%2 == 1 {
			fmt.Fprintf(&b, `<img src="/images/%s/section-%d.jpg">`, slug, i+1)
		}
		fmt.Fprintf(&b, "<p>%s</p>", html.EscapeString(paragraph(in.Topic, section)))
		progress((i + 1) * 100 / len(outline.Sections))
	}
	b.WriteString("</article>")

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(b.String()))
	if err != nil {
		return nil, fmt.Errorf("parse draft: %w", err)
	}
	return json.Marshal(DraftResult{
		Title:     outline.Title,
		HTML:      b.String(),
		WordCount: len(strings.Fields(doc.Find("article").Text())),
	})
}

func paragraph(topic, section string) string {
	return fmt.Sprintf("%s. This part walks readers through %s with practical, tested advice for anyone interested in %s.",
		section, strings.ToLower(section), topic)
}

func draftFor(in Input) (*goquery.Document, DraftResult, error) {
	var draft DraftResult
	raw, ok := in.Find(Expand)
	if !ok {
		data, err := buildDraft(context.Background(), Input{Topic: in.Topic, Prior: in.Prior}, func(int) {})
		if err != nil {
			return nil, draft, err
		}
		raw = data
	}
	if err := json.Unmarshal(raw, &draft); err != nil {
		return nil, draft, fmt.Errorf("decode draft: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(draft.HTML))
	if err != nil {
		return nil, draft, fmt.Errorf("parse draft: %w", err)
	}
	return doc, draft, nil
}

func buildSEO(ctx context.Context, in Input, progress ProgressFunc) (json.RawMessage, error) {
	doc, _, err := draftFor(in)
	if err != nil {
		return nil, err
	}
	progress(30)
	title := strings.TrimSpace(doc.Find("h1").First().Text())
	if title == "" {
		title = strings.TrimSpace(in.Topic)
	}
	out := SEOResult{
		MetaTitle:       truncateWords(title, 60),
		MetaDescription: truncateWords(strings.TrimSpace(doc.Find("p").First().Text()), 155),
		Slug:            Slugify(in.Topic),
		Keywords:        []string{strings.ToLower(strings.TrimSpace(in.Topic))},
	}
	seen := map[string]bool{out.Keywords[0]: true}
	doc.Find("h2").Each(func(_ int, s *goquery.Selection) {
		kw := strings.ToLower(strings.TrimSpace(s.Text()))
		if kw != "" && !seen[kw] {
			seen[kw] = true
			out.Keywords = append(out.Keywords, kw)
		}
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	progress(90)
	return json.Marshal(out)
}

func buildAltText(ctx context.Context, in Input, progress ProgressFunc) (json.RawMessage, error) {
	doc, _, err := draftFor(in)
	if err != nil {
		return nil, err
	}
	imgs := doc.Find("img")
	total := imgs.Length()
	out := AltTextResult{Images: []ImageAlt{}}
	imgs.Each(func(i int, s *goquery.Selection) {
		if alt, ok := s.Attr("alt"); ok && strings.TrimSpace(alt) != "" {
			return
		}
		heading := strings.TrimSpace(s.PrevAllFiltered("h2").First().Text())
		if heading == "" {
			heading = "cover image"
		}
		alt := fmt.Sprintf("Illustration for %s: %s", strings.TrimSpace(in.Topic), strings.ToLower(heading))
		s.SetAttr("alt", alt)
		src, _ := s.Attr("src")
		out.Images = append(out.Images, ImageAlt{Src: src, Alt: alt})
		progress((i + 1) * 100 / total)
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	article := doc.Find("article").First()
	if article.Length() > 0 {
		out.HTML, err = goquery.OuterHtml(article)
	} else {
		out.HTML, err = doc.Find("body").Html()
	}
	if err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	return json.Marshal(out)
}

// Slugify lowercases s, strips accents and joins words with hyphens.
func Slugify(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	plain, _, err := transform.String(t, s)
	if err != nil {
		plain = s
	}
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(plain) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func truncateWords(s string, limit int) string {
	if len([]rune(s)) <= limit {
		return s
	}
	words := strings.Fields(s)
	var b strings.Builder
	for _, w := range words {
		if len([]rune(b.String()))+len([]rune(w))+1 > limit {
			break
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w)
	}
	return b.String()
}

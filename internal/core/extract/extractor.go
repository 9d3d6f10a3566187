// Package extract converts raw uploaded bytes into normalized plain text.
// Extraction failures are structural, never transient, so nothing here
// retries.
package extract

import (
	"bytes"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"code.sajari.com/docconv"
	"github.com/PuerkitoBio/goquery"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"

	"github.com/tundrax/kbase/internal/core"
	"github.com/tundrax/kbase/internal/models"
)

var _ core.DocumentExtractor = (*Extractor)(nil)

// Extractor dispatches on file type: docconv for PDF and Word XML, goldmark
// for Markdown, goquery for HTML, verbatim for plain text.
type Extractor struct {
	markdown goldmark.Markdown
}

func New() *Extractor {
	return &Extractor{markdown: goldmark.New()}
}

// Extract returns the normalized text of raw. It fails with
// core.ErrUnsupportedFormat for unknown types, core.ErrCorruptInput when the
// format-specific decoder rejects the bytes and core.ErrEmptyContent when
// only whitespace comes out.
func (e *Extractor) Extract(fileType models.FileType, raw []byte) (string, error) {
	var (
		text string
		err  error
	)

	switch fileType {
	case models.FileTypeText:
		text = string(raw)
	case models.FileTypeMarkdown:
		text, err = e.markdownText(raw)
	case models.FileTypeHTML:
		text, err = htmlText(raw)
	case models.FileTypePDF:
		text, err = docconvText(raw, "application/pdf")
	case models.FileTypeDocx:
		text, err = docconvText(raw, "application/vnd.openxmlformats-officedocument.wordprocessingml.document")
	default:
		return "", fmt.Errorf("%w: %q", core.ErrUnsupportedFormat, fileType)
	}
	if err != nil {
		return "", err
	}

	text = normalize(text)
	if strings.TrimSpace(text) == "" {
		return "", core.ErrEmptyContent
	}
	return text, nil
}

// markdownText walks the goldmark AST and keeps the text nodes, so markup
// (emphasis, links, code fences) never leaks into embeddings.
func (e *Extractor) markdownText(raw []byte) (string, error) {
	doc := e.markdown.Parser().Parse(gmtext.NewReader(raw))

	var sb strings.Builder
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			// Paragraph-level nodes separate blocks in the output.
			switch n.(type) {
			case *ast.Paragraph, *ast.Heading, *ast.ListItem, *ast.Blockquote:
				sb.WriteString("\n\n")
			}
			return ast.WalkContinue, nil
		}
		switch t := n.(type) {
		case *ast.Text:
			sb.Write(t.Segment.Value(raw))
			if t.SoftLineBreak() || t.HardLineBreak() {
				sb.WriteString("\n")
			}
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				sb.Write(seg.Value(raw))
			}
			sb.WriteString("\n")
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: markdown: %v", core.ErrCorruptInput, err)
	}
	return sb.String(), nil
}

// htmlText extracts text nodes with markup stripped, skipping script and
// style subtrees.
func htmlText(raw []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("%w: html: %v", core.ErrCorruptInput, err)
	}
	doc.Find("script, style, noscript").Remove()

	var sb strings.Builder
	doc.Find("body").Each(func(_ int, s *goquery.Selection) {
		sb.WriteString(s.Text())
	})
	if sb.Len() == 0 {
		// Fragment without a body element.
		sb.WriteString(doc.Text())
	}
	return sb.String(), nil
}

func docconvText(raw []byte, mimeType string) (string, error) {
	res, err := docconv.Convert(bytes.NewReader(raw), mimeType, true)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", core.ErrCorruptInput, mimeType, err)
	}
	return res.Body, nil
}

// normalize collapses Windows line endings and trims trailing whitespace per
// line so chunk boundaries behave the same regardless of upload origin.
func normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	out := strings.Join(lines, "\n")
	return strings.TrimSpace(out)
}

// DetectFileType maps an upload's filename extension (preferred) or declared
// content type onto the supported enum.
func DetectFileType(filename, contentType string) (models.FileType, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".txt", ".text", ".log":
		return models.FileTypeText, nil
	case ".md", ".markdown":
		return models.FileTypeMarkdown, nil
	case ".pdf":
		return models.FileTypePDF, nil
	case ".docx":
		return models.FileTypeDocx, nil
	case ".html", ".htm":
		return models.FileTypeHTML, nil
	}

	mt, _, err := mime.ParseMediaType(contentType)
	if err == nil {
		switch mt {
		case "text/plain":
			return models.FileTypeText, nil
		case "text/markdown":
			return models.FileTypeMarkdown, nil
		case "application/pdf":
			return models.FileTypePDF, nil
		case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
			return models.FileTypeDocx, nil
		case "text/html":
			return models.FileTypeHTML, nil
		}
	}
	return "", fmt.Errorf("%w: %q (%q)", core.ErrUnsupportedFormat, filename, contentType)
}

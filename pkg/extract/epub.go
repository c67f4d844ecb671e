package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"path"
	"sort"
	"strings"

	"golang.org/x/net/html"
)

type epubContainer struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type epubPackage struct {
	Manifest []struct {
		ID   string `xml:"id,attr"`
		Href string `xml:"href,attr"`
	} `xml:"manifest>item"`
	Spine []struct {
		IDRef string `xml:"idref,attr"`
	} `xml:"spine>itemref"`
}

// extractEPUB concatenates content documents in spine order. Archives
// without a readable package document fall back to name order.
func extractEPUB(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open epub: %w", err)
	}
	order := spineOrder(zr)
	if len(order) == 0 {
		order = htmlFilesByName(zr)
	}
	var buf strings.Builder
	for _, name := range order {
		doc, err := readZipFile(zr, name)
		if err != nil {
			continue
		}
		node, err := html.Parse(bytes.NewReader(doc))
		if err != nil {
			return "", fmt.Errorf("parse epub html: %w", err)
		}
		buf.WriteString(extractHTMLText(node))
		buf.WriteString("\n\n")
	}
	return buf.String(), nil
}

func spineOrder(zr *zip.Reader) []string {
	raw, err := readZipFile(zr, "META-INF/container.xml")
	if err != nil {
		return nil
	}
	var container epubContainer
	if err := xml.Unmarshal(raw, &container); err != nil || len(container.Rootfiles) == 0 {
		return nil
	}
	opfPath := container.Rootfiles[0].FullPath
	raw, err = readZipFile(zr, opfPath)
	if err != nil {
		return nil
	}
	var pkg epubPackage
	if err := xml.Unmarshal(raw, &pkg); err != nil {
		return nil
	}
	hrefs := make(map[string]string, len(pkg.Manifest))
	for _, item := range pkg.Manifest {
		hrefs[item.ID] = item.Href
	}
	base := path.Dir(opfPath)
	order := make([]string, 0, len(pkg.Spine))
	for _, ref := range pkg.Spine {
		href, ok := hrefs[ref.IDRef]
		if !ok {
			continue
		}
		order = append(order, path.Clean(path.Join(base, href)))
	}
	return order
}

func htmlFilesByName(zr *zip.Reader) []string {
	var names []string
	for _, f := range zr.File {
		lower := strings.ToLower(f.Name)
		if strings.HasSuffix(lower, ".xhtml") || strings.HasSuffix(lower, ".html") || strings.HasSuffix(lower, ".htm") {
			names = append(names, f.Name)
		}
	}
	sort.Strings(names)
	return names
}

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "section": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

// extractHTMLText keeps block boundaries as newlines so chapter headings
// stay on their own line.
func extractHTMLText(n *html.Node) string {
	var buf strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		switch node.Type {
		case html.TextNode:
			buf.WriteString(node.Data)
		case html.ElementNode:
			if node.Data == "script" || node.Data == "style" || node.Data == "head" {
				return
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
		if node.Type == html.ElementNode && blockElements[node.Data] {
			buf.WriteString("\n")
		}
	}
	walk(n)
	return buf.String()
}

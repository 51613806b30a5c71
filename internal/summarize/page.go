package summarize

import (
	"bytes"
	"mime"
	"strings"

	"github.com/mmcdole/gofeed"
	"golang.org/x/net/html"
)

// maxFeedEntries はプロンプトに含めるフィード記事タイトルの上限。
const maxFeedEntries = 10

// PageContext は取得したページから抽出した要約の材料。
type PageContext struct {
	Title       string
	Description string
	Text        string
	IsFeed      bool
	Entries     []string // フィードの場合の記事タイトル
}

// feedContentTypes はフィードとして扱うContent-Type。
var feedContentTypes = []string{
	"application/rss+xml",
	"application/atom+xml",
}

// xmlContentTypes はボディを見てフィードか判定するContent-Type。
var xmlContentTypes = []string{
	"text/xml",
	"application/xml",
}

func mediaTypeOf(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	return strings.ToLower(mediaType)
}

// IsFeed はContent-Typeとボディの先頭からRSS/Atomフィードかを判定する。
func IsFeed(contentType string, body []byte) bool {
	mediaType := mediaTypeOf(contentType)

	for _, ct := range feedContentTypes {
		if mediaType == ct {
			return true
		}
	}

	isXML := false
	for _, ct := range xmlContentTypes {
		if mediaType == ct {
			isXML = true
			break
		}
	}
	if !isXML || len(body) == 0 {
		return false
	}

	return looksLikeFeed(body)
}

// looksLikeFeed は先頭4KBにRSS/RDF/Atomのルート要素があるかを見る。
func looksLikeFeed(body []byte) bool {
	prefix := body
	if len(prefix) > 4096 {
		prefix = prefix[:4096]
	}
	lower := strings.ToLower(string(prefix))

	if strings.Contains(lower, "<rss") || strings.Contains(lower, "<rdf:rdf") {
		return true
	}
	return strings.Contains(lower, "<feed") && strings.Contains(lower, "http://www.w3.org/2005/atom")
}

// isHTML はHTMLとして解析すべきレスポンスかを判定する。
// Content-Typeが無い場合はボディ先頭で判断する。
func isHTML(contentType string, body []byte) bool {
	mediaType := mediaTypeOf(contentType)
	if mediaType == "" {
		head := bytes.ToLower(bytes.TrimSpace(body))
		return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html"))
	}
	return strings.Contains(mediaType, "html")
}

// parseFeed はgofeedでフィードを解析してPageContextを作る。
func parseFeed(body []byte) (*PageContext, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	page := &PageContext{
		Title:       strings.TrimSpace(feed.Title),
		Description: strings.TrimSpace(feed.Description),
		IsFeed:      true,
	}
	for _, item := range feed.Items {
		if len(page.Entries) >= maxFeedEntries {
			break
		}
		if title := strings.TrimSpace(item.Title); title != "" {
			page.Entries = append(page.Entries, title)
		}
	}
	return page, nil
}

// parseHead はHTMLのheadからtitleとdescriptionを抽出する。
// descriptionはmeta name="description"を優先し、無ければog:descriptionを使う。
// titleが空の場合はog:titleを使う。
func parseHead(body []byte) (title, description string) {
	var ogTitle, ogDescription string
	tokenizer := html.NewTokenizer(bytes.NewReader(body))
	inTitle := false

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return pickTitle(title, ogTitle, description, ogDescription)

		case html.StartTagToken, html.SelfClosingTagToken:
			token := tokenizer.Token()
			switch token.Data {
			case "title":
				inTitle = tt == html.StartTagToken && title == ""
			case "meta":
				name, content := metaAttrs(token)
				switch name {
				case "description":
					if description == "" {
						description = content
					}
				case "og:description":
					ogDescription = content
				case "og:title":
					ogTitle = content
				}
			case "body":
				return pickTitle(title, ogTitle, description, ogDescription)
			}

		case html.TextToken:
			if inTitle {
				title = strings.Join(strings.Fields(string(tokenizer.Text())), " ")
				inTitle = false
			}

		case html.EndTagToken:
			token := tokenizer.Token()
			if token.Data == "title" {
				inTitle = false
			}
			if token.Data == "head" {
				return pickTitle(title, ogTitle, description, ogDescription)
			}
		}
	}
}

func pickTitle(title, ogTitle, description, ogDescription string) (string, string) {
	if title == "" {
		title = ogTitle
	}
	if description == "" {
		description = ogDescription
	}
	return strings.TrimSpace(title), strings.TrimSpace(description)
}

// metaAttrs はmetaタグのname(またはproperty)とcontentを返す。
func metaAttrs(token html.Token) (name, content string) {
	for _, attr := range token.Attr {
		switch strings.ToLower(attr.Key) {
		case "name", "property":
			name = strings.ToLower(strings.TrimSpace(attr.Val))
		case "content":
			content = attr.Val
		}
	}
	return name, content
}

// truncateRunes はsを最大n文字に切り詰める。
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

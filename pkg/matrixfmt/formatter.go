// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrixfmt converts Matrix HTML to Discord markdown with a
// streaming tag parser. Output is hard-capped at the Discord message limit:
// when the cap is hit, parsing stops, all open markdown delimiters are
// closed and an optional deep link to the full message is appended.
package matrixfmt

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// DefaultLimit is the Discord message length cap.
const DefaultLimit = 2000

// Params configures a conversion.
type Params struct {
	// Mention maps a matrix.to user target (an MXID) to a native Discord
	// mention such as "<@123>". ok is false for users the bridge does not
	// own; their link text is dropped, since they can't be named on the
	// other side.
	Mention func(target string) (mention string, ok bool)
	// Emote maps an image title to a Discord emote reference such as
	// "<:name:123>". ok is false for unknown emotes; the title text is
	// used instead.
	Emote func(name string) (emote string, ok bool)
	// ImageURL maps a non-emote image source (an mxc URI) to a public
	// download URL. ok is false when the source can't be rehosted; the
	// alt text is used instead.
	ImageURL func(src string) (link string, ok bool)
	// Limit overrides the output cap. Zero means DefaultLimit.
	Limit int
	// DeepLink, when non-empty, is appended on its own line after
	// truncation so readers can find the full message.
	DeepLink string
}

var simpleTags = map[string]string{
	"p": "\n", "strong": "**", "b": "**", "em": "*", "i": "*",
	"u": "__", "ins": "__", "del": "~~", "strike": "~~", "s": "~~",
}

var headerTags = map[string]string{
	"h1": "***__", "h2": "**__", "h3": "**", "h4": "__", "h5": "*", "h6": "",
}

var escapeRe = regexp.MustCompile("([`_*~:<>{}@|])")

// Escape backslash-escapes Discord markdown metacharacters.
func Escape(text string) string {
	text = strings.ReplaceAll(text, `\`, `\\`)
	return escapeRe.ReplaceAllString(text, `\$1`)
}

type stackEntry struct {
	tag    string
	closer string
}

type parser struct {
	params    Params
	limit     int
	msg       strings.Builder
	stack     []stackEntry
	listNum   int
	truncated bool

	currentLink  string
	skipLinkText bool
	replyDepth   int
}

// Parse converts Matrix HTML to Discord markdown.
func Parse(input string, params Params) string {
	limit := params.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	p := &parser{params: params, limit: limit, listNum: 1}

	z := html.NewTokenizer(strings.NewReader(input))
	for !p.truncated {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			p.startTag(z.Token())
		case html.EndTagToken:
			p.endTag(z.Token().Data)
		case html.TextToken:
			p.text(z.Token().Data)
		}
	}

	if p.truncated {
		p.closeAll()
	}
	return p.msg.String()
}

func attr(tok html.Token, name string) (string, bool) {
	for _, a := range tok.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

// suffixLen is the space reserved for the truncation deep link.
func (p *parser) suffixLen() int {
	if p.params.DeepLink == "" {
		return 0
	}
	return len(p.params.DeepLink) + 1
}

func (p *parser) closersLen() int {
	n := 0
	for _, entry := range p.stack {
		n += len(entry.closer)
	}
	return n
}

// append writes tok unless it would overflow the budget that keeps room for
// closing delimiters and the deep link. Overflow sets the truncation flag;
// the token is dropped whole.
func (p *parser) append(tok string) {
	if p.truncated || tok == "" {
		return
	}
	if p.msg.Len()+len(tok)+p.closersLen()+p.suffixLen() > p.limit {
		p.truncated = true
		return
	}
	p.msg.WriteString(tok)
}

// appendOpener writes an opening delimiter only if both it and its closer
// fit, then records the closer on the stack. On overflow neither is emitted,
// keeping the output balanced.
func (p *parser) appendOpener(tag, md, closer string) {
	if p.truncated {
		return
	}
	if p.msg.Len()+len(md)+len(closer)+p.closersLen()+p.suffixLen() > p.limit {
		p.truncated = true
		return
	}
	p.msg.WriteString(md)
	p.push(tag, closer)
}

func (p *parser) closeAll() {
	for i := len(p.stack) - 1; i >= 0; i-- {
		p.msg.WriteString(p.stack[i].closer)
	}
	p.stack = nil
	if p.params.DeepLink != "" {
		p.msg.WriteString("\n" + p.params.DeepLink)
	}
}

func (p *parser) inStack(tags ...string) bool {
	for i := len(p.stack) - 1; i >= 0; i-- {
		for _, tag := range tags {
			if p.stack[i].tag == tag {
				return true
			}
		}
	}
	return false
}

func (p *parser) push(tag, closer string) {
	p.stack = append(p.stack, stackEntry{tag: tag, closer: closer})
}

func (p *parser) startTag(tok html.Token) {
	tag := tok.Data
	if tag == "mx-reply" || p.replyDepth > 0 {
		// Reply fallbacks are rebuilt natively on the other side.
		if tag == "mx-reply" {
			p.replyDepth++
		}
		return
	}

	switch tag {
	case "br":
		p.append("\n")
		if p.inStack("blockquote") {
			p.append("> ")
		}
	case "img":
		p.image(tok)
	case "code":
		if p.inStack("pre") {
			lang := ""
			if class, ok := attr(tok, "class"); ok && strings.HasPrefix(class, "language-") {
				lang = strings.TrimPrefix(class, "language-")
			}
			p.appendOpener("code", "```"+lang+"\n", "\n```")
		} else {
			p.appendOpener("code", "`", "`")
		}
	case "span":
		if reason, ok := attr(tok, "data-mx-spoiler"); ok {
			if reason != "" {
				p.append("(" + reason + ")")
			}
			p.appendOpener("span", "||", "||")
		} else {
			p.push("span", "")
		}
	case "li":
		if p.inStack("ol") {
			p.append("\n" + strconv.Itoa(p.listNum) + ". ")
			p.listNum++
		} else {
			p.append("\n• ")
		}
		p.push("li", "")
	case "a":
		p.startLink(tok)
		p.push("a", "")
	case "blockquote":
		p.append("> ")
		p.push("blockquote", "")
	default:
		if md, ok := simpleTags[tag]; ok {
			closer := md
			if tag == "p" {
				closer = ""
			}
			p.appendOpener(tag, md, closer)
		} else if prefix, ok := headerTags[tag]; ok {
			p.appendOpener(tag, prefix, reverse(prefix))
		} else {
			p.push(tag, "")
		}
	}
}

func (p *parser) startLink(tok html.Token) {
	href, _ := attr(tok, "href")
	p.currentLink = href
	p.skipLinkText = false
	if !strings.HasPrefix(href, "https://matrix.to/#/") {
		return
	}
	target := strings.SplitN(strings.TrimPrefix(href, "https://matrix.to/#/"), "?", 2)[0]
	// Some clients percent-encode the target ('%40user%3Aserver').
	if unescaped, err := url.PathUnescape(target); err == nil {
		target = unescaped
	}
	if !strings.HasPrefix(target, "@") {
		// Room and event links keep their text as a plain link.
		return
	}
	if mention, ok := p.mention(target); ok {
		p.append(mention)
	}
	// Users the bridge doesn't own can't be named on the other side, so
	// their link text is dropped rather than rendered as a dead link.
	p.currentLink = ""
	p.skipLinkText = true
}

func (p *parser) image(tok html.Token) {
	name, ok := attr(tok, "title")
	if !ok {
		name, _ = attr(tok, "alt")
	}
	if emote, found := p.emote(name); found {
		p.append(emote)
		return
	}
	if src, found := attr(tok, "src"); found && p.params.ImageURL != nil {
		if link, resolved := p.params.ImageURL(src); resolved {
			p.append("[" + name + "](<" + link + ">)")
			return
		}
	}
	p.append(name)
}

func (p *parser) endTag(tag string) {
	if p.replyDepth > 0 {
		if tag == "mx-reply" {
			p.replyDepth--
		}
		return
	}
	if len(p.stack) == 0 {
		return
	}

	top := p.stack[len(p.stack)-1]
	p.stack = p.stack[:len(p.stack)-1]
	p.append(top.closer)

	switch tag {
	case "ol":
		p.listNum = 1
	case "a":
		p.currentLink = ""
		p.skipLinkText = false
	}
}

func (p *parser) text(data string) {
	if p.replyDepth > 0 {
		return
	}
	if p.skipLinkText {
		p.skipLinkText = false
		return
	}
	if len(p.stack) > 0 && p.stack[len(p.stack)-1].tag != "code" {
		data = Escape(strings.ReplaceAll(data, "\n", ""))
	}
	if p.currentLink != "" {
		p.append("[" + data + "](<" + p.currentLink + ">)")
		p.currentLink = ""
		return
	}
	p.append(data)
}

func (p *parser) mention(target string) (string, bool) {
	if p.params.Mention == nil {
		return "", false
	}
	return p.params.Mention(target)
}

func (p *parser) emote(name string) (string, bool) {
	if name == "" || p.params.Emote == nil {
		return "", false
	}
	return p.params.Emote(name)
}

func reverse(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}

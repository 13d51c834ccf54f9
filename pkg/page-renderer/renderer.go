// Package renderer turns upstream records into displayable documents.
// Rendering is pure: no I/O, same input gives the same output.
package renderer

import (
	"bytes"
	"errors"
	"html/template"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"go.trai.ch/zerr"

	datasource "github.com/always-cache/regen/pkg/data-source"
	routekey "github.com/always-cache/regen/pkg/route-key"
)

const (
	ContentTypeHTML     = "text/html; charset=utf-8"
	ContentTypeMarkdown = "text/markdown; charset=utf-8"
)

var ErrRender = zerr.New("failed to render document")

// Document is a rendered page.
type Document struct {
	Title       string
	ContentType string
	Body        []byte
}

// Renderer renders list and detail pages.
type Renderer interface {
	RenderPost(post datasource.Post) (Document, error)
	RenderList(posts []datasource.Post) (Document, error)
}

// HTML is the default Renderer producing complete HTML documents.
type HTML struct{}

var _ Renderer = HTML{}

var pages = template.Must(template.New("layout").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
<main>
{{- if .Post}}
<h1>Post detail</h1>
<div class="post">
<p>Post ID: <span class="post-id">{{.Post.ID}}</span></p>
<p>User ID: <span class="user-id">{{.Post.UserID}}</span></p>
<p>Title: <span class="title">{{.Post.Title}}</span></p>
<p>Body: <span class="body">{{.Post.Body}}</span></p>
</div>
{{- else if .Loading}}
<p class="loading" data-path="{{.Loading}}">Loading...</p>
{{- else}}
<h1>Posts</h1>
<ul class="posts">
{{- range .Links}}
<li><a href="{{.Href}}">{{.Title}}</a></li>
{{- end}}
</ul>
{{- end}}
</main>
</body>
</html>
`))

type link struct {
	Href  string
	Title string
}

type page struct {
	Title string
	Post  *datasource.Post
	Links []link
	// path of the page being built, set for placeholders only
	Loading string
}

// RenderPost renders the detail page of a post.
func (HTML) RenderPost(post datasource.Post) (Document, error) {
	return render(page{
		Title: "Post " + routekey.FromID(post.ID).String() + ": " + post.Title,
		Post:  &post,
	})
}

// RenderList renders the list page linking every post to its detail page.
func (HTML) RenderList(posts []datasource.Post) (Document, error) {
	links := make([]link, 0, len(posts))
	for _, p := range posts {
		links = append(links, link{
			Href:  routekey.Path(routekey.FromID(p.ID)),
			Title: p.Title,
		})
	}
	return render(page{Title: "Posts", Links: links})
}

func render(p page) (Document, error) {
	return execute(pages, p)
}

func execute(t *template.Template, p page) (Document, error) {
	buf := &bytes.Buffer{}
	if err := t.Execute(buf, p); err != nil {
		return Document{}, errors.Join(ErrRender, zerr.Wrap(err, "could not execute template "+t.Name()))
	}
	return Document{
		Title:       p.Title,
		ContentType: ContentTypeHTML,
		Body:        buf.Bytes(),
	}, nil
}

// Placeholder returns the temporary shell served while a page is being built.
func Placeholder(key routekey.Key) Document {
	// the template cannot fail for this input
	doc, _ := render(page{Title: "Loading...", Loading: routekey.Path(key)})
	return doc
}

// Markdown converts an HTML document into markdown.
// Documents that are not HTML are returned unchanged.
func Markdown(doc Document) (Document, error) {
	if !strings.HasPrefix(doc.ContentType, "text/html") {
		return doc, nil
	}
	md, err := htmltomarkdown.ConvertString(string(doc.Body))
	if err != nil {
		return Document{}, zerr.Wrap(err, "could not convert document to markdown")
	}
	return Document{
		Title:       doc.Title,
		ContentType: ContentTypeMarkdown,
		Body:        []byte(md),
	}, nil
}

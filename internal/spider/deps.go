package spider

import (
	"io"

	"github.com/jackzampolin/spider/internal/ehparse"
	"github.com/jackzampolin/spider/internal/gallery"
)

// Den stores page images by index.
type Den interface {
	Exists(index int) bool
	OpenWrite(index int, ext string) (io.WriteCloser, error)
	OpenRead(index int) (io.ReadCloser, error)
	Remove(index int) error
}

// Parser extracts what the spider needs from host documents.
type Parser interface {
	ParseDetail(body string) (*ehparse.Detail, error)
	ParsePage(body string) (*ehparse.Page, error)
}

// Persister loads and saves gallery state. Save is best effort.
type Persister interface {
	Load(info gallery.Info) (*gallery.State, error)
	Save(st *gallery.State)
}

// Package seed はYAML形式のシードファイルから書籍と利用者を一括登録する。
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/booklend/internal/ledger"
	"github.com/hitoshi/booklend/internal/model"
)

// File はシードファイルの内容。
//
//	books:
//	  - id: 6f1c...        # 省略時はUUIDを生成
//	    title: Dune
//	    author: Frank Herbert
//	members:
//	  - id: 0b7e...
//	    display_name: Alice
//	    contact: alice@example.com
type File struct {
	Books   []BookEntry   `yaml:"books"`
	Members []MemberEntry `yaml:"members"`
}

// BookEntry はシードファイルの書籍1件。
type BookEntry struct {
	ID     string `yaml:"id"`
	Title  string `yaml:"title"`
	Author string `yaml:"author"`
}

// MemberEntry はシードファイルの利用者1件。
type MemberEntry struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	Contact     string `yaml:"contact"`
}

// Catalog はシード投入に必要なカタログ操作。
type Catalog interface {
	AddBookWithID(ctx context.Context, id, title, author string) (*model.Book, error)
	GetBook(ctx context.Context, id string) (*model.Book, error)
}

// Members はシード投入に必要な利用者操作。
type Members interface {
	RegisterWithID(ctx context.Context, id, displayName, contact string) (*model.Member, error)
	Resolve(ctx context.Context, userID string) (*model.Member, error)
}

// Result は投入結果の件数。
type Result struct {
	BooksAdded     int
	BooksSkipped   int
	MembersAdded   int
	MembersSkipped int
}

// Parse はYAMLを読み込む。未知のキーはエラーとする。
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &f, nil
		}
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return &f, nil
}

// LoadFile はpathのシードファイルを読み込む。
func LoadFile(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer fh.Close()
	return Parse(fh)
}

// Apply はシードの内容を登録する。IDが指定され既に存在するエントリはスキップするため、
// 同じファイルを繰り返し適用できる。
func Apply(ctx context.Context, f *File, catalog Catalog, members Members) (Result, error) {
	var res Result

	for i, entry := range f.Books {
		if entry.ID != "" {
			_, err := catalog.GetBook(ctx, entry.ID)
			if err == nil {
				res.BooksSkipped++
				continue
			}
			if !errors.Is(err, ledger.ErrBookNotFound) {
				return res, fmt.Errorf("books[%d]: %w", i, err)
			}
		}
		if _, err := catalog.AddBookWithID(ctx, entry.ID, entry.Title, entry.Author); err != nil {
			return res, fmt.Errorf("books[%d]: %w", i, err)
		}
		res.BooksAdded++
	}

	for i, entry := range f.Members {
		if entry.ID != "" {
			existing, err := members.Resolve(ctx, entry.ID)
			if err != nil {
				return res, fmt.Errorf("members[%d]: %w", i, err)
			}
			if existing != nil {
				res.MembersSkipped++
				continue
			}
		}
		if _, err := members.RegisterWithID(ctx, entry.ID, entry.DisplayName, entry.Contact); err != nil {
			return res, fmt.Errorf("members[%d]: %w", i, err)
		}
		res.MembersAdded++
	}

	return res, nil
}

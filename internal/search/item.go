package search

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidItem is matched by every *ValidationError.
var ErrInvalidItem = errors.New("invalid search result item")

// Item is one code search hit.
type Item struct {
	RepositoryFullName string `json:"repository.full_name" validate:"required,repo_full_name"`
	OwnerLogin         string `json:"repository.owner.login" validate:"required"`
	Path               string `json:"path" validate:"required,rel_path"`
	URL                string `json:"url" validate:"required,url,has_ref"`
	// BranchRef is the ref query parameter of URL.
	BranchRef string `json:"ref" validate:"required"`
}

// Key identifies the file across runs: "<owner>/<repo>/<path>".
func (i Item) Key() string {
	return i.RepositoryFullName + "/" + i.Path
}

// DownloadURL builds the raw content URL under base. The parts are joined as
// is; escaping them would address a different blob.
func (i Item) DownloadURL(base string) string {
	return strings.TrimRight(base, "/") + "/" + i.RepositoryFullName + "/" + i.BranchRef + "/" + i.Path
}

// ParseRef returns the ref query parameter of rawURL, or "" when rawURL does
// not parse or carries none.
func ParseRef(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("ref")
}

// ValidationError reports which fields of an item failed validation.
type ValidationError struct {
	Key    string
	Fields []string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid search result item %q: fields %s", e.Key, strings.Join(e.Fields, ", "))
}

func (e *ValidationError) Unwrap() []error {
	return []error{ErrInvalidItem, e.Err}
}

var (
	vOnce sync.Once
	v     *validator.Validate
)

func itemValidator() *validator.Validate {
	vOnce.Do(func() {
		v = validator.New(validator.WithRequiredStructEnabled())

		// report the API field names
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			tag := fld.Tag.Get("json")
			if tag == "-" || tag == "" {
				return fld.Name
			}
			if idx := strings.Index(tag, ","); idx >= 0 {
				tag = tag[:idx]
			}
			return tag
		})

		_ = v.RegisterValidation("repo_full_name", validateRepoFullName)
		_ = v.RegisterValidation("rel_path", validateRelPath)
		_ = v.RegisterValidation("has_ref", func(fl validator.FieldLevel) bool {
			return ParseRef(fl.Field().String()) != ""
		})
	})
	return v
}

// owner/name, no whitespace, no further slashes
func validateRepoFullName(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	owner, name, ok := strings.Cut(s, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return false
	}
	return !strings.ContainsAny(s, " \t\r\n")
}

// relative, no "." or ".." segments
func validateRelPath(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if strings.HasPrefix(s, "/") || strings.Contains(s, "\\") {
		return false
	}
	for _, seg := range strings.Split(s, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return path.Clean(s) == s
}

// Validate checks that item has every field the pipeline relies on. The error
// is a *ValidationError.
func Validate(item Item) error {
	err := itemValidator().Struct(item)
	if err == nil {
		return nil
	}

	verr := &ValidationError{Key: item.Key(), Err: err}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		for _, fe := range fieldErrs {
			verr.Fields = append(verr.Fields, fe.Field()+" ("+fe.Tag()+")")
		}
	}
	return verr
}

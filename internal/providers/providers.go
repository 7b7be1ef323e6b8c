// Package providers renders OTP messages and hands them over to the
// configured out-of-band delivery backend.
package providers

import (
	"bytes"
	"text/template"

	"github.com/Masterminds/sprig"
	"github.com/dawasakhi/authgateway/pkg/models"
)

// DefaultTemplate is the message body used when none is configured.
const DefaultTemplate = `{{ .Code }} is your DawaSakhi {{ .Purpose | toString | lower | replace "_" " " }} code. ` +
	`It is valid for {{ .TTL.Minutes | int }} minutes. Do not share it with anyone.`

// NewTemplate compiles a message body template. Templates have access
// to the sprig function set and are executed against a models.Message.
func NewTemplate(src string) (*template.Template, error) {
	if src == "" {
		src = DefaultTemplate
	}
	return template.New("otp").Funcs(sprig.TxtFuncMap()).Parse(src)
}

// Render executes the template against the message and returns the body.
func Render(tpl *template.Template, m models.Message) (string, error) {
	var b bytes.Buffer
	if err := tpl.Execute(&b, m); err != nil {
		return "", err
	}
	return b.String(), nil
}

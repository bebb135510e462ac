package browser

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vnymr/PASS-ATS-sub004/internal/apply"
)

const greenhouseForm = `<html><body>
<form id="application_form" action="/acme/jobs/123/apply" method="post">
  <input type="hidden" name="authenticity_token" value="x">
  <label for="first_name">First Name *</label>
  <input type="text" id="first_name" name="job_application[first_name]" aria-required="true">
  <label for="email">Email</label>
  <input type="email" id="email" name="job_application[email]" required maxlength="120">
  <label>LinkedIn Profile <input type="url" name="job_application[linkedin]"></label>
  <label for="resume">Resume/CV</label>
  <input type="file" id="resume" name="job_application[resume]" required>
  <label for="q1">Why do you want to work here?</label>
  <textarea id="q1" name="job_application[answers][0]" maxlength="500"></textarea>
  <label for="sponsor">Will you require sponsorship?</label>
  <select id="sponsor" name="job_application[answers][1]" required>
    <option value="">Select...</option>
    <option value="1">Yes</option>
    <option value="0">No</option>
  </select>
  <fieldset>
    <legend>Are you legally authorized to work in the US?</legend>
    <input type="radio" id="auth_yes" name="authorized" value="yes" required><label for="auth_yes">Yes</label>
    <input type="radio" id="auth_no" name="authorized" value="no"><label for="auth_no">No</label>
  </fieldset>
  <label><input type="checkbox" name="consent" value="1" required> I agree to the privacy policy</label>
  <input type="color" name="favorite_color">
  <button type="submit">Submit Application</button>
</form>
</body></html>`

func TestExtractFormGreenhouse(t *testing.T) {
	t.Parallel()

	schema, err := ExtractForm(greenhouseForm)
	require.NoError(t, err)
	require.Equal(t, "/acme/jobs/123/apply", schema.Action)

	byName := map[string]apply.Field{}
	for _, f := range schema.Fields {
		byName[f.Name] = f
	}
	require.NotContains(t, byName, "authenticity_token")

	first := byName["job_application[first_name]"]
	require.Equal(t, apply.FieldText, first.Type)
	require.Equal(t, "First Name", first.Label)
	require.True(t, first.Required)
	require.Equal(t, "#first_name", first.Selector)

	email := byName["job_application[email]"]
	require.Equal(t, apply.FieldEmail, email.Type)
	require.Equal(t, 120, email.MaxLength)

	linkedin := byName["job_application[linkedin]"]
	require.Equal(t, apply.FieldURL, linkedin.Type)
	require.Equal(t, "LinkedIn Profile", linkedin.Label)
	require.False(t, linkedin.Required)
	require.Equal(t, `input[name="job_application[linkedin]"]`, linkedin.Selector)

	require.Equal(t, apply.FieldFile, byName["job_application[resume]"].Type)
	require.Equal(t, apply.FieldTextarea, byName["job_application[answers][0]"].Type)

	sponsor := byName["job_application[answers][1]"]
	require.Equal(t, apply.FieldSelect, sponsor.Type)
	require.Equal(t, []apply.Option{{Value: "1", Label: "Yes"}, {Value: "0", Label: "No"}}, sponsor.Options)

	auth := byName["authorized"]
	require.Equal(t, apply.FieldRadio, auth.Type)
	require.Equal(t, "Are you legally authorized to work in the US?", auth.Label)
	require.Len(t, auth.Options, 2)
	require.True(t, auth.Required)

	consent := byName["consent"]
	require.Equal(t, apply.FieldCheckbox, consent.Type)
	require.Empty(t, consent.Options)
	require.Equal(t, "I agree to the privacy policy", consent.Label)

	require.Equal(t, apply.FieldUnknown, byName["favorite_color"].Type)
}

func TestExtractFormWithoutFormElement(t *testing.T) {
	t.Parallel()

	schema, err := ExtractForm(`<html><body><div class="ashby-application-form">
		<input name="_systemfield_name" aria-label="Name" required>
		<input name="_systemfield_email" type="email" aria-label="Email" required>
	</div></body></html>`)
	require.NoError(t, err)
	require.Len(t, schema.Fields, 2)
	require.Equal(t, "Name", schema.Fields[0].Label)
}

func TestExtractFormPrefersLargestForm(t *testing.T) {
	t.Parallel()

	schema, err := ExtractForm(`<html><body>
		<form action="/search"><input name="q"></form>
		<form action="/submit"><input name="a"><input name="b"><input name="c"></form>
	</body></html>`)
	require.NoError(t, err)
	require.Equal(t, "/submit", schema.Action)
	require.Len(t, schema.Fields, 3)
}

func TestExtractFormEmpty(t *testing.T) {
	t.Parallel()

	_, err := ExtractForm(`<html><body><p>This job is no longer available.</p></body></html>`)
	var kerr *apply.KindError
	require.ErrorAs(t, err, &kerr)
	require.Equal(t, apply.KindFormSchemaMismatch, kerr.Kind)
}

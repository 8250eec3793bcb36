package validation

import (
	"strings"
	"testing"

	"github.com/aanand-mishra/student-registry/internal/types"
)

func validForm() types.StudentForm {
	return types.StudentForm{
		Name:         "Ana Silva",
		EnrollmentID: "2024001",
		BirthDate:    "2010-05-04",
	}
}

func TestNameLength(t *testing.T) {
	for n := 0; n <= 82; n++ {
		form := validForm()
		form.Name = "  " + strings.Repeat("a", n) + "  "
		_, errs := Student(form)
		wantOK := n >= 2 && n <= 80
		if gotOK := errs.For("name") == ""; gotOK != wantOK {
			t.Fatalf("name length %d: expected ok=%v, got errors %v", n, wantOK, errs)
		}
	}
}

func TestEnrollmentIDLength(t *testing.T) {
	for n := 0; n <= 22; n++ {
		form := validForm()
		form.EnrollmentID = "\t" + strings.Repeat("9", n) + " "
		_, errs := Student(form)
		wantOK := n >= 3 && n <= 20
		if gotOK := errs.For("enrollment_id") == ""; gotOK != wantOK {
			t.Fatalf("enrollment_id length %d: expected ok=%v, got errors %v", n, wantOK, errs)
		}
	}
}

func TestMultibyteNameCountsCharacters(t *testing.T) {
	form := validForm()
	form.Name = "Zé"
	if _, errs := Student(form); len(errs) != 0 {
		t.Fatalf("expected two-character name to pass, got %v", errs)
	}
}

func TestEmail(t *testing.T) {
	cases := []struct {
		email  string
		wantOK bool
		absent bool
	}{
		{"", true, true},
		{"   ", true, true},
		{"not-an-email", false, false},
		{"a@b.co", true, false},
	}
	for _, tc := range cases {
		form := validForm()
		form.Email = tc.email
		in, errs := Student(form)
		if gotOK := len(errs) == 0; gotOK != tc.wantOK {
			t.Fatalf("email %q: expected ok=%v, got %v", tc.email, tc.wantOK, errs)
		}
		if tc.wantOK && (in.Email == nil) != tc.absent {
			t.Fatalf("email %q: expected absent=%v, got %v", tc.email, tc.absent, in.Email)
		}
	}
}

func TestBirthDate(t *testing.T) {
	cases := map[string]bool{
		"2010-05-04":           true,
		"2010-05-04T00:00:00Z": true,
		"not-a-date":           false,
		"2010-02-30":           false,
		"":                     false,
	}
	for input, wantOK := range cases {
		form := validForm()
		form.BirthDate = input
		in, errs := Student(form)
		if gotOK := errs.For("birth_date") == ""; gotOK != wantOK {
			t.Fatalf("birth_date %q: expected ok=%v, got %v", input, wantOK, errs)
		}
		if wantOK && in.BirthDate != "2010-05-04" {
			t.Fatalf("birth_date %q: expected normalised date, got %q", input, in.BirthDate)
		}
	}
}

func TestOptionalFieldsNormalised(t *testing.T) {
	form := validForm()
	form.Phone = "  "
	form.ClassName = " 7B "
	in, errs := Student(form)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if in.Phone != nil {
		t.Fatalf("expected blank phone to be absent, got %q", *in.Phone)
	}
	if in.ClassName == nil || *in.ClassName != "7B" {
		t.Fatalf("expected trimmed class name, got %v", in.ClassName)
	}
	if in.Name != "Ana Silva" {
		t.Fatalf("unexpected name %q", in.Name)
	}
}

func TestErrorsInFieldOrder(t *testing.T) {
	_, errs := Student(types.StudentForm{Email: "nope"})
	var fields []string
	for _, e := range errs {
		fields = append(fields, e.Field)
	}
	want := "name,enrollment_id,birth_date,email"
	if got := strings.Join(fields, ","); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if errs.First() != "Name must be at least 2 characters" {
		t.Fatalf("unexpected first message %q", errs.First())
	}
}

func TestLogin(t *testing.T) {
	c, errs := Login("  Ana@Example.COM ", "secret123")
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if c.Email != "ana@example.com" {
		t.Fatalf("expected normalised email, got %q", c.Email)
	}
	if _, errs := Login("ana@example.com", "short"); errs.For("password") == "" {
		t.Fatalf("expected short password to be rejected")
	}
	if _, errs := Login("", "secret123"); errs.For("email") != "Email is required" {
		t.Fatalf("expected required email message, got %v", errs)
	}
}

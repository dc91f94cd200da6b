package openai

import "testing"

func TestFilterForSpeech(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "plain text untouched",
			in:   "Hello there, how are you?",
			want: "Hello there, how are you?",
		},
		{
			name: "stage directions stripped",
			in:   "*waves enthusiastically* Hello!",
			want: "Hello!",
		},
		{
			name: "double asterisk emphasis stripped",
			in:   "That is **really** important.",
			want: "That is important.",
		},
		{
			name: "bracketed emotion tags stripped",
			in:   "[happy] Nice to see you (grins) again <smirk>",
			want: "Nice to see you again",
		},
		{
			name: "nested brackets stripped",
			in:   "Sure ([very] quietly) thing.",
			want: "Sure thing.",
		},
		{
			name: "markup characters stripped",
			in:   "some `code` and _underscores_ and #tags",
			want: "some code and underscores and tags",
		},
		{
			name: "whitespace collapsed",
			in:   "too    many *gap*   spaces",
			want: "too many spaces",
		},
		{
			name: "everything filtered leaves empty",
			in:   "*sighs deeply*",
			want: "",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := FilterForSpeech(tc.in); got != tc.want {
				t.Fatalf("FilterForSpeech(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

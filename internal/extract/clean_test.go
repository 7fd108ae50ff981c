package extract

import "testing"

func TestCleanToolCallTags(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "closed span removed",
			in:   `before <tool_call>{"name":"x"}</tool_call> after`,
			want: "before  after",
		},
		{
			name: "unclosed span bounded by next tag",
			in:   "before<tool_call>junk<think>after",
			want: "before<think>after",
		},
		{
			name: "unclosed span at end of text",
			in:   "before<tool_call>junk that never closes",
			want: "before",
		},
		{
			name: "consecutive unclosed spans",
			in:   "a<tool_call>x<tool_call>y",
			want: "a",
		},
		{
			name: "dangling opening tag",
			in:   "text<tool_call>",
			want: "text",
		},
		{
			name: "no markup trims only",
			in:   "  plain text  ",
			want: "plain text",
		},
		{
			name: "orphan closing tag untouched",
			in:   "text</tool_call>here",
			want: "text</tool_call>here",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CleanToolCallTags(tc.in); got != tc.want {
				t.Errorf("expected '%s', got '%s'", tc.want, got)
			}
		})
	}
}

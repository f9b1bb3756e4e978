package backend

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/genai"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "deadline exceeded",
			err:  context.DeadlineExceeded,
			want: ErrTimeout,
		},
		{
			name: "cancelled",
			err:  fmt.Errorf("call failed: %w", context.Canceled),
			want: ErrTimeout,
		},
		{
			name: "api rate limit",
			err:  genai.APIError{Code: 429, Message: "quota exceeded"},
			want: ErrRateLimited,
		},
		{
			name: "api server error",
			err:  genai.APIError{Code: 503, Message: "overloaded"},
			want: ErrTimeout,
		},
		{
			name: "api bad request",
			err:  genai.APIError{Code: 400, Message: "invalid argument"},
			want: ErrInvalid,
		},
		{
			name: "untyped rate limit string",
			err:  errors.New("RESOURCE_EXHAUSTED: slow down"),
			want: ErrRateLimited,
		},
		{
			name: "untyped timeout string",
			err:  errors.New("transport timeout talking to upstream"),
			want: ErrTimeout,
		},
		{
			name: "anything else is invalid output",
			err:  errors.New("weird failure"),
			want: ErrInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			if !errors.Is(got, tt.want) {
				t.Errorf("classify(%v) = %v, want wrapping %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassify_Nil(t *testing.T) {
	if classify(nil) != nil {
		t.Error("classify(nil) should be nil")
	}
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "no fence untouched",
			in:   "package main\n\nfunc main() {}",
			want: "package main\n\nfunc main() {}",
		},
		{
			name: "fence with language tag",
			in:   "```java\nclass A {}\n```",
			want: "class A {}",
		},
		{
			name: "bare fence",
			in:   "```\nclass A {}\n```",
			want: "class A {}",
		},
		{
			name: "unterminated fence",
			in:   "```java\nclass A {}",
			want: "class A {}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripFences(tt.in); got != tt.want {
				t.Errorf("stripFences() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewGeminiGenerator_RequiresKey(t *testing.T) {
	_, err := NewGeminiGenerator(context.Background(), "", "gemini-2.5-flash")
	if err == nil {
		t.Error("missing API key should be rejected")
	}
}

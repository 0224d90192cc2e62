package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateArgument(t *testing.T) {
	tests := []struct {
		name    string
		arg     string
		wantErr bool
	}{
		{"subcommand", "build", false},
		{"flag", "--platform", false},
		{"flag with value", "--features=web", false},
		{"relative path", "./assets", false},
		{"semicolon", "build; rm -rf /", true},
		{"pipe", "build | cat /etc/passwd", true},
		{"backtick", "build`whoami`", true},
		{"substitution", "file$(whoami).txt", true},
		{"traversal", "../../../etc/passwd", true},
		{"absolute path", "/home/user/file", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateArgument(tt.arg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateCommand(t *testing.T) {
	assert.NoError(t, ValidateCommand("dx"))
	assert.NoError(t, ValidateCommand("/usr/local/bin/dx"))
	assert.Error(t, ValidateCommand(""))
	assert.Error(t, ValidateCommand("dx build"))
	assert.Error(t, ValidateCommand("dx;id"))
}

func TestValidatePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"relative", "./template", false},
		{"absolute", "/var/lib/playground/built", false},
		{"trailing slash", "./temp/", false},
		{"empty", "", true},
		{"null byte", "temp\x00", true},
		{"command substitution", "$(id)/built", true},
		{"semicolon", "built;rm", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateRelativePath(t *testing.T) {
	assert.NoError(t, ValidateRelativePath("target/dx/{PACKAGE}/debug/web/public"))
	assert.NoError(t, ValidateRelativePath("a/../b"))
	assert.Error(t, ValidateRelativePath("/abs/out"))
	assert.Error(t, ValidateRelativePath("../out"))
	assert.Error(t, ValidateRelativePath("a/../../out"))
	assert.Error(t, ValidateRelativePath(""))
}

func TestValidateHost(t *testing.T) {
	assert.NoError(t, ValidateHost(""))
	assert.NoError(t, ValidateHost("0.0.0.0"))
	assert.NoError(t, ValidateHost("::1"))
	assert.NoError(t, ValidateHost("localhost"))
	assert.Error(t, ValidateHost("localhost; id"))
	assert.Error(t, ValidateHost("example.com/path"))
}

func TestValidateOriginPattern(t *testing.T) {
	assert.NoError(t, ValidateOriginPattern("play.example.com"))
	assert.NoError(t, ValidateOriginPattern("*.example.com"))
	assert.NoError(t, ValidateOriginPattern("localhost:*"))
	assert.NoError(t, ValidateOriginPattern("*"))
	assert.Error(t, ValidateOriginPattern(""))
	assert.Error(t, ValidateOriginPattern("https://play.example.com"))
	assert.Error(t, ValidateOriginPattern("[a-"))
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"http", "http://localhost:8080", false},
		{"https with path", "https://dioxuslabs.com/learn/", false},
		{"query", "https://example.com/docs?version=0.6&lang=en", false},
		{"javascript scheme", "javascript:alert('xss')", true},
		{"file scheme", "file:///etc/passwd", true},
		{"data scheme", "data:text/html,<script>alert(1)</script>", true},
		{"no host", "http://", true},
		{"space", "https://example.com/a b", true},
		{"header injection", "http://localhost:8080\r\nHost: evil.com", true},
		{"backtick", "http://localhost:8080`whoami`", true},
		{"not a url", "not-a-url", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

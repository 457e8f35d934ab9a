package models

import "errors"

// Validation errors.
var (
	// ErrProjectNameRequired indicates a project was created without a name.
	ErrProjectNameRequired = errors.New("project name is required")
	// ErrProjectMediaRequired indicates a project was created without media.
	ErrProjectMediaRequired = errors.New("project media URL is required")
	// ErrProjectTargetLanguageRequired indicates a missing target language.
	ErrProjectTargetLanguageRequired = errors.New("project target language is required")
)

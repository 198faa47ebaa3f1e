// Package setup prepares a host for kiln: it writes the default configuration
// file, creates the storage directory and checks that docker is available.
//
// This package is essentially a collection of scripts and constants, and is therefore the only package that is
// allowed to call a global logger.
package setup

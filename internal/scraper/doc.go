// Package scraper defines the domain types, error kinds and interfaces shared by
// the fetch, taxonomy, coordination and persistence subsystems of the fitment
// scraper.
package scraper

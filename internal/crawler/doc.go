// Package crawler holds the domain model of the listing crawler: listings,
// pages, run reports, the collaborator interfaces each pipeline stage is
// written against, the error taxonomy, and the retry policy shared by the
// fetcher.
package crawler

// Package crawler holds the domain model shared by the message-history
// crawler: snowflake identifiers, pages returned by the remote API, the
// per-pass cursor, the persistence contracts used by the crawl loop, and the
// retry policy applied to transient fetch failures.
package crawler

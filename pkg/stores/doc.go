// Package stores provides the persistence layer for MailSleuth.
// It includes SQLite-based storage with WAL mode, embedded migrations,
// and CRUD operations for learned domain patterns, provider classifications,
// cooldowns, outreach attempts, attempt history, and API credit ledgers.
package stores

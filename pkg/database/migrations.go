package database

import "embed"

// Migration files are embedded so production deployments need no external
// files. Workflow: add a numbered pair under migrations/, review the SQL,
// commit; the app applies pending migrations on startup.
//
//go:embed migrations
var migrationsFS embed.FS

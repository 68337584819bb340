package consts

// RuledAdvisoryLockID is the PostgreSQL advisory lock held by ruled-admin
// while it runs schema migrations.
const RuledAdvisoryLockID = 51873302

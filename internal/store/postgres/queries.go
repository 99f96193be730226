package postgres

const definitionColumns = `id, cluster_id, name, description, target, target_type, secret,
    max_attempts, backoff_ms, ack_timeout_ms, max_in_doubt_dwell_ms,
    created_at, updated_at, deleted_at`

const queryInsertDefinition = `
INSERT INTO definitions (` + definitionColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NULL)
`

const queryInsertCounters = `
INSERT INTO definition_counters (definition_id) VALUES ($1)
`

const queryGetDefinition = `
SELECT ` + definitionColumns + `
FROM definitions
WHERE cluster_id = $1 AND name = $2 AND deleted_at IS NULL
`

const queryGetDefinitionByID = `
SELECT ` + definitionColumns + `
FROM definitions
WHERE id = $1
`

const queryUpdateDefinition = `
UPDATE definitions
SET name = $1, description = $2, target = $3, target_type = $4, secret = $5,
    max_attempts = $6, backoff_ms = $7, ack_timeout_ms = $8, max_in_doubt_dwell_ms = $9,
    updated_at = $10
WHERE id = $11 AND deleted_at IS NULL
`

// Row locks on the definition serialize a delete against instance
// creation: the delete takes FOR UPDATE, creation takes FOR SHARE.
const queryLockDefinitionForDelete = `
SELECT id FROM definitions WHERE id = $1 AND deleted_at IS NULL FOR UPDATE
`

const queryLockLiveDefinition = `
SELECT id FROM definitions WHERE id = $1 AND deleted_at IS NULL FOR SHARE
`

const queryMarkDefinitionDeleted = `
UPDATE definitions
SET deleted_at = $1, updated_at = $1
WHERE id = $2 AND deleted_at IS NULL
`

const queryListDefinitions = `
SELECT ` + definitionColumns + `
FROM definitions
WHERE deleted_at IS NULL
  AND ($1 = '' OR cluster_id = $1)
  AND ($2 = '' OR target_type = $2)
ORDER BY created_at, id
`

const instanceColumns = `id, definition_id, cluster_id, state, payload_ref, attempts, seq, created_at, updated_at`

const queryInsertInstance = `
INSERT INTO instances (` + instanceColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

// The seq guard makes the update a compare-and-swap on the snapshot.
const queryUpdateInstance = `
UPDATE instances
SET state = $1, attempts = $2, seq = $3, updated_at = $4
WHERE id = $5 AND seq = $6
`

const queryGetInstanceSeq = `
SELECT seq FROM instances WHERE id = $1
`

const queryGetInstance = `
SELECT ` + instanceColumns + `
FROM instances
WHERE id = $1
`

const queryInstancesByDefinition = `
SELECT ` + instanceColumns + `
FROM instances
WHERE definition_id = $1
ORDER BY created_at, id
`

const queryListInstances = `
SELECT i.id, i.definition_id, i.cluster_id, i.state, i.payload_ref, i.attempts, i.seq, i.created_at, i.updated_at
FROM instances i
JOIN definitions d ON d.id = i.definition_id
WHERE ($1 = '' OR i.cluster_id = $1)
  AND ($2 = '' OR i.definition_id = $2)
  AND ($3 = '' OR d.target_type = $3)
  AND (cardinality($4::text[]) = 0 OR i.state = ANY($4))
  AND ($5::timestamptz IS NULL OR i.updated_at < $5)
ORDER BY i.created_at, i.id
LIMIT NULLIF($6, 0)
`

const queryCountOpenInstances = `
SELECT COUNT(*)
FROM instances
WHERE definition_id = $1
  AND state IN ('QUEUED', 'IN_PROGRESS', 'IN_DOUBT', 'FAILED_RETRYABLE')
`

const eventColumns = `id, instance_id, definition_id, cluster_id, seq, kind, from_state, to_state,
    attempt, retryable, resolution, operator_id, note, detail, payload_ref, at`

const queryInsertEvent = `
INSERT INTO instance_events (` + eventColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
`

const queryEvents = `
SELECT ` + eventColumns + `
FROM instance_events
WHERE instance_id = $1
ORDER BY seq
`

const queryEventsByDefinition = `
SELECT ` + eventColumns + `
FROM instance_events
WHERE definition_id = $1
ORDER BY instance_id, seq
`

const queryApplyCounterDelta = `
UPDATE definition_counters
SET total = total + $1,
    in_progress = in_progress + $2,
    in_doubt = in_doubt + $3,
    arch_success = arch_success + $4,
    arch_failed = arch_failed + $5,
    last_updated = GREATEST(last_updated, $6)
WHERE definition_id = $7
`

const queryGetCounters = `
SELECT total, in_progress, in_doubt, arch_success, arch_failed, last_updated
FROM definition_counters
WHERE definition_id = $1
`

const queryLockCounters = `
SELECT definition_id FROM definition_counters WHERE definition_id = $1 FOR UPDATE
`

const queryReplaceCounters = `
UPDATE definition_counters
SET total = $1, in_progress = $2, in_doubt = $3, arch_success = $4, arch_failed = $5, last_updated = $6
WHERE definition_id = $7
`

package cassandra

// Schema is the keyspace's DDL, applied by the operator (via cqlsh or a
// migration tool) before the provider is pointed at a keyspace. The raw CQL
// lives next to the Go methods that issue matching queries instead of
// behind a generated layer.
const Schema = `
CREATE TABLE IF NOT EXISTS topics (
    topic_id text PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS descriptors (
    topic_id text,
    version bigint,
    version_min bigint,
    schema_id text,
    descriptor_json blob,
    PRIMARY KEY (topic_id, version)
) WITH CLUSTERING ORDER BY (version DESC);

CREATE TABLE IF NOT EXISTS searchable_columns (
    topic_id text,
    column_name text,
    column_type text,
    PRIMARY KEY (topic_id, column_name)
);

CREATE TABLE IF NOT EXISTS events (
    topic_id text,
    unique_time_encoded bigint,
    event_id text,
    document blob,
    priority int,
    protection_ref text,
    correlation_token text,
    additional_columns map<text, text>,
    descriptor_version bigint,
    PRIMARY KEY (topic_id, unique_time_encoded)
) WITH CLUSTERING ORDER BY (unique_time_encoded DESC);

CREATE TABLE IF NOT EXISTS events_by_id (
    topic_id text,
    event_id text,
    unique_time_encoded bigint,
    PRIMARY KEY ((topic_id, event_id), unique_time_encoded)
) WITH CLUSTERING ORDER BY (unique_time_encoded DESC);

CREATE TABLE IF NOT EXISTS events_by_index (
    topic_id text,
    index_column text,
    index_value text,
    event_id text,
    unique_time_encoded bigint,
    PRIMARY KEY ((topic_id, index_column, index_value), unique_time_encoded)
) WITH CLUSTERING ORDER BY (unique_time_encoded DESC);

CREATE TABLE IF NOT EXISTS events_by_correlation (
    topic_id text,
    correlation_token text,
    unique_time_encoded bigint,
    PRIMARY KEY (topic_id, correlation_token)
);

CREATE TABLE IF NOT EXISTS consumers (
    topic_id text,
    consumer_id text,
    baseline_ts bigint,
    attempted_watermark bigint,
    done_watermark bigint,
    PRIMARY KEY (topic_id, consumer_id)
);

CREATE TABLE IF NOT EXISTS delivery_intents (
    topic_id text,
    consumer_id text,
    unique_time_encoded bigint,
    reserved_ts bigint,
    done boolean,
    PRIMARY KEY ((topic_id, consumer_id), unique_time_encoded)
);

CREATE TABLE IF NOT EXISTS object_counts (
    topic_id text,
    object_type text,
    instance_id int,
    object_count bigint,
    PRIMARY KEY ((topic_id, object_type), instance_id)
);

-- integrity_entries_by_id is authoritative: one row per protected document.
CREATE TABLE IF NOT EXISTS integrity_entries_by_id (
    topic_id text,
    id text,
    level int,
    ts_micros bigint,
    data blob,
    parent_ref text,
    PRIMARY KEY (topic_id, id)
);

-- integrity_pending mirrors the unconsolidated subset of the above, keyed
-- for ordered per-level scanning; rows are removed once a consolidator pass
-- assigns a parent_ref, trading a second write at Persist/SetProtectionRef
-- time for cheap, index-free batch scans.
CREATE TABLE IF NOT EXISTS integrity_pending (
    topic_id text,
    level int,
    ts_micros bigint,
    id text,
    data blob,
    PRIMARY KEY ((topic_id, level), ts_micros, id)
) WITH CLUSTERING ORDER BY (ts_micros ASC);
`

package domain

// SystemActor is the sentinel actor recorded for unattended mutations. It is
// applied only at the outermost boundary; every mutating call inside the core
// carries an explicit actor instead of relying on ambient global state.
const SystemActor = "system"

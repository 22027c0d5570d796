package config

import "reflect"

// ConfigDiff describes what changed between two loaded configs.
type ConfigDiff struct {
	EntriesAdded   []string
	EntriesRemoved []string
	EntriesChanged []string

	SchedulerChanged bool
	NewScheduler     SchedulerConfig

	TasksChanged bool
	NewTasks     TasksConfig

	BrainstormChanged bool
	NewBrainstorm     BrainstormConfig

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.EntriesAdded) > 0 ||
		len(d.EntriesRemoved) > 0 ||
		len(d.EntriesChanged) > 0 ||
		d.SchedulerChanged ||
		d.TasksChanged ||
		d.BrainstormChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	oldEntries := entriesByName(old.Scheduler.Entries)
	newEntries := entriesByName(new.Scheduler.Entries)

	for name := range newEntries {
		if _, ok := oldEntries[name]; !ok {
			d.EntriesAdded = append(d.EntriesAdded, name)
		}
	}
	for name := range oldEntries {
		if _, ok := newEntries[name]; !ok {
			d.EntriesRemoved = append(d.EntriesRemoved, name)
		}
	}
	for name, newEntry := range newEntries {
		if oldEntry, ok := oldEntries[name]; ok {
			if !reflect.DeepEqual(oldEntry, newEntry) {
				d.EntriesChanged = append(d.EntriesChanged, name)
			}
		}
	}

	if old.Scheduler.PollInterval != new.Scheduler.PollInterval {
		d.SchedulerChanged = true
		d.NewScheduler = new.Scheduler
	}

	// Applied per assignment, so safe to swap at runtime.
	if old.Tasks.MaxAttempts != new.Tasks.MaxAttempts || old.Tasks.TTL != new.Tasks.TTL {
		d.TasksChanged = true
		d.NewTasks = new.Tasks
	}

	if old.Brainstorm != new.Brainstorm {
		d.BrainstormChanged = true
		d.NewBrainstorm = new.Brainstorm
	}

	// Non-reloadable warnings
	if old.Agent.ID != new.Agent.ID {
		d.NonReloadable = append(d.NonReloadable, "agent.id")
	}
	if old.NATS.URL != new.NATS.URL {
		d.NonReloadable = append(d.NonReloadable, "nats.url")
	}
	if old.NATS.DataDir != new.NATS.DataDir {
		d.NonReloadable = append(d.NonReloadable, "nats.data_dir")
	}
	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}

	return d
}

func entriesByName(entries []ScheduleEntry) map[string]ScheduleEntry {
	m := make(map[string]ScheduleEntry, len(entries))
	for _, e := range entries {
		m[e.Name] = e
	}
	return m
}

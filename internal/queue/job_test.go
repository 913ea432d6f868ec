package queue

import "testing"

func TestMarshalUnmarshal(t *testing.T) {
    j := NewJob("id", "task-1", "fetch_comments", "t", "s")
    s, err := j.Marshal()
    if err != nil { t.Fatal(err) }
    j2, err := UnmarshalJob(s)
    if err != nil { t.Fatal(err) }
    if j2.ID != j.ID || j2.TaskID != j.TaskID || j2.TaskType != j.TaskType {
        t.Fatalf("roundtrip mismatch: %#v vs %#v", j, j2)
    }
}


package db

import (
	"context"

	"rollcall/internal/model"
)

func (s *Store) ListStudents(ctx context.Context) ([]model.Student, error) {
	rows, err := s.Pool.Query(ctx, `SELECT id, name FROM students ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var students []model.Student
	for rows.Next() {
		var student model.Student
		if err := rows.Scan(&student.ID, &student.Name); err != nil {
			return nil, err
		}
		students = append(students, student)
	}
	return students, rows.Err()
}
